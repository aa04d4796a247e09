// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vanadium-labs/gospawn/internal/ipc"
)

func TestRunDescriptorSuccess(t *testing.T) {
	argParent, argChild, err := ipc.NewChannel()
	require.NoError(t, err)
	resultChild, resultParent, err := ipc.NewChannel()
	require.NoError(t, err)

	d := &CallDescriptor{FuncName: registeredAddOne.Name(), ArgChannel: argChild, ResultChannel: resultChild}

	done := make(chan error, 1)
	go func() { done <- runDescriptor(d, invokeConfig{panicHandling: true, backtrace: BacktraceOff}) }()

	argSendRaw, err := argParent.Sender()
	require.NoError(t, err)
	argSend := ipc.NewSender[int](argSendRaw)
	require.NoError(t, argSend.Send(41))
	argSend.Close()

	resultRecvRaw, err := resultParent.Receiver()
	require.NoError(t, err)
	resultRecv := ipc.NewReceiver[Envelope[int]](resultRecvRaw)
	env, err := resultRecv.Recv()
	require.NoError(t, err)
	require.True(t, env.OK)
	require.Equal(t, 42, env.Value)
	require.NoError(t, <-done)
}

func TestRunDescriptorUnknownFunc(t *testing.T) {
	_, argChild, err := ipc.NewChannel()
	require.NoError(t, err)
	resultChild, _, err := ipc.NewChannel()
	require.NoError(t, err)

	d := &CallDescriptor{FuncName: "procspawn.test.nonexistent", ArgChannel: argChild, ResultChannel: resultChild}
	err = runDescriptor(d, invokeConfig{panicHandling: true})
	require.Error(t, err)
}

func TestCallDescriptorEndpointsRoundTrip(t *testing.T) {
	a, b, err := ipc.NewChannel()
	require.NoError(t, err)
	c, e, err := ipc.NewChannel()
	require.NoError(t, err)
	d := &CallDescriptor{FuncName: "x", ArgChannel: a, ResultChannel: c}
	require.Equal(t, []*ipc.RawEndpoint{a, c}, d.Endpoints())

	var d2 CallDescriptor
	d2.SetEndpoints([]*ipc.RawEndpoint{b, e})
	require.Equal(t, b, d2.ArgChannel)
	require.Equal(t, e, d2.ResultChannel)
}

func TestEnvelopeEndpointsDelegatesToCarrierValue(t *testing.T) {
	r, w, err := ipc.NewChannel()
	require.NoError(t, err)
	defer w.Close()

	env := Envelope[carryingResult]{OK: true, Value: carryingResult{EP: r}}
	eps := env.Endpoints()
	require.Equal(t, []*ipc.RawEndpoint{r}, eps)
}

// TestCallDescriptorCrossesChannelByValue sends a CallDescriptor the same
// way handle.go and pool.go actually do: as a value through a typed
// Sender[CallDescriptor], never a *CallDescriptor. Its embedded
// ArgChannel/ResultChannel endpoints must still cross by descriptor
// passing rather than failing to detach silently.
func TestCallDescriptorCrossesChannelByValue(t *testing.T) {
	controlParent, controlChild, err := ipc.NewChannel()
	require.NoError(t, err)
	controlSendRaw, err := controlParent.Sender()
	require.NoError(t, err)
	controlRecvRaw, err := controlChild.Receiver()
	require.NoError(t, err)
	controlSend := ipc.NewSender[CallDescriptor](controlSendRaw)
	controlRecv := ipc.NewReceiver[CallDescriptor](controlRecvRaw)

	argA, argB, err := ipc.NewChannel()
	require.NoError(t, err)
	resA, resB, err := ipc.NewChannel()
	require.NoError(t, err)

	sent := CallDescriptor{FuncName: registeredAddOne.Name(), ArgChannel: argB, ResultChannel: resB}
	require.NoError(t, controlSend.Send(sent))

	got, err := controlRecv.Recv()
	require.NoError(t, err)
	require.Equal(t, registeredAddOne.Name(), got.FuncName)
	require.NotNil(t, got.ArgChannel)
	require.NotNil(t, got.ResultChannel)

	argSendRaw, err := argA.Sender()
	require.NoError(t, err)
	require.NoError(t, ipc.NewSender[int](argSendRaw).Send(9))

	argRecvRaw, err := got.ArgChannel.Receiver()
	require.NoError(t, err)
	v, err := ipc.NewReceiver[int](argRecvRaw).Recv()
	require.NoError(t, err)
	require.Equal(t, 9, v)

	resSendRaw, err := got.ResultChannel.Sender()
	require.NoError(t, err)
	require.NoError(t, ipc.NewSender[Envelope[int]](resSendRaw).Send(Envelope[int]{OK: true, Value: 10}))

	resRecvRaw, err := resA.Receiver()
	require.NoError(t, err)
	env, err := ipc.NewReceiver[Envelope[int]](resRecvRaw).Recv()
	require.NoError(t, err)
	require.True(t, env.OK)
	require.Equal(t, 10, env.Value)
}

func TestEnvelopeEndpointsNilOnPanic(t *testing.T) {
	env := Envelope[carryingResult]{OK: false, Panic: &PanicRecord{Message: "x"}}
	require.Nil(t, env.Endpoints())
}

// carryingResult is a minimal EndpointCarrier result type, used to verify
// Envelope's one-level delegation to its Value field.
type carryingResult struct {
	EP *ipc.RawEndpoint
}

func (c *carryingResult) Endpoints() []*ipc.RawEndpoint       { return []*ipc.RawEndpoint{c.EP} }
func (c *carryingResult) SetEndpoints(eps []*ipc.RawEndpoint) { c.EP = eps[0] }
