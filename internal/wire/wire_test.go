package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		code int
		want FailureClass
	}{
		{CloseNormal, FailureTerminal},
		{CloseGoingAway, FailureTerminal},
		{ClosePolicyViolation, FailureTerminal},
		{CloseAuthRejected, FailureTerminal},
		{CloseRateLimited, FailureRateLimited},
		{CloseAbnormal, FailureTransient},
		{CloseInternalError, FailureTransient},
		{CloseProtocolError, FailureTransient},
		{CloseServiceRestart, FailureTransient},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.code), "code %d", tc.code)
	}
}

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"quote_status_update","payload":{"id":7}}`))
	require.NoError(t, err)
	assert.Equal(t, "quote_status_update", msg.Type)
	assert.JSONEq(t, `{"id":7}`, string(msg.Payload))
}

func TestParseMessageMalformed(t *testing.T) {
	_, err := ParseMessage([]byte(`{not json`))
	assert.Error(t, err)

	_, err = ParseMessage([]byte(`{"payload":{}}`))
	assert.Error(t, err, "a frame without a type is malformed")
}

func TestReservedTypes(t *testing.T) {
	for _, typ := range []string{TypePing, TypePong, TypeError, TypeConnection, TypeRegistered} {
		assert.True(t, (&Message{Type: typ}).Reserved(), typ)
	}
	assert.False(t, (&Message{Type: "quote_status_update"}).Reserved())
	assert.False(t, (&Message{Type: TypeConnectionLost}).Reserved(),
		"the give-up notification must reach consumer handlers")
}

func TestStampOverwritesCallerValues(t *testing.T) {
	msg := &Message{Type: "x", ConnectionID: "forged", Timestamp: 12345}
	at := time.Unix(1700000000, 0)
	msg.Stamp("conn-1", at)
	assert.Equal(t, "conn-1", msg.ConnectionID)
	assert.Equal(t, at.UnixMilli(), msg.Timestamp)
}

func TestCloseErrorMessage(t *testing.T) {
	e := &CloseError{Code: CloseAbnormal, Reason: "peer reset"}
	assert.Contains(t, e.Error(), "1006")
	assert.Contains(t, e.Error(), "peer reset")
}
