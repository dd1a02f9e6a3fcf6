package appclient

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-net/mac-server/internal/engine"
	"github.com/lorawan-net/mac-server/pkg/lorawan"
)

func TestBuildJoinRequest_RoundTripsThroughSubjectAndPayload(t *testing.T) {
	devAddr := lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}
	subject := joinSubject("app-1", devAddr)
	require.Equal(t, "application.app-1.device.01020304.join", subject)

	payload, err := buildJoinRequest(devAddr, "demo", "app-1")
	require.NoError(t, err)
	require.Contains(t, string(payload), "01020304")
}

func TestParseJoinReply_OKAndRejected(t *testing.T) {
	require.NoError(t, parseJoinReply([]byte(`{"ok":true}`)))

	err := parseJoinReply([]byte(`{"ok":false,"error":"provisioning pending"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "provisioning pending")
}

func TestParseRxReply_Variants(t *testing.T) {
	result, txData, err := parseRxReply([]byte(`{"result":"ok"}`))
	require.NoError(t, err)
	require.Equal(t, engine.HandlerOK, result)
	require.Nil(t, txData)

	result, txData, err = parseRxReply([]byte(`{"result":"retransmit"}`))
	require.NoError(t, err)
	require.Equal(t, engine.HandlerRetransmit, result)
	require.Nil(t, txData)

	result, txData, err = parseRxReply([]byte(`{"result":"send","confirmed":true,"port":5,"data":"aGk="}`))
	require.NoError(t, err)
	require.Equal(t, engine.HandlerSend, result)
	require.NotNil(t, txData)
	require.True(t, txData.Confirmed)
	require.Equal(t, uint8(5), *txData.Port)
	require.Equal(t, []byte("hi"), txData.Data)

	_, _, err = parseRxReply([]byte(`{"result":"error","error":"downstream timeout"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "downstream timeout")
}

func TestBuildRxRequest_EncodesDevAddrAndFlags(t *testing.T) {
	payload, err := buildRxRequest(engine.RxEvent{
		DevAddr:    lorawan.DevAddr{0xAA, 0xBB, 0xCC, 0xDD},
		App:        "demo",
		AppID:      "app-1",
		Port:       3,
		Data:       []byte("x"),
		ShallReply: true,
	})
	require.NoError(t, err)
	require.Contains(t, string(payload), "aabbccdd")
	require.Contains(t, string(payload), `"shallReply":true`)
}
