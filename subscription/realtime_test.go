// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newRealTime(t *testing.T, cfg Config) *RealTime {
	t.Helper()
	rt, err := NewRealTime(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		rt.Stop()
		<-rt.done
	})
	return rt
}

func TestNewRealTime_Validation(t *testing.T) {
	r := &recorder{}

	cfg := r.config(ResendOptions{})
	cfg.StreamID = ""
	_, err := NewRealTime(cfg)
	assert.ErrorIs(t, err, ErrEmptyStreamID)

	cfg = r.config(ResendOptions{})
	cfg.Handler = nil
	_, err = NewRealTime(cfg)
	assert.ErrorIs(t, err, ErrNoHandler)

	_, err = NewRealTime(r.config(ResendOptions{Last: 1, From: &message.MessageRef{}}))
	assert.ErrorIs(t, err, ErrConflictingResendOptions)
}

func TestRealTime_DeliveryFollowsArrivalNotVerification(t *testing.T) {
	r := &recorder{}
	rt := newRealTime(t, r.config(ResendOptions{}))

	release := make(chan struct{})
	secondVerified := make(chan struct{})
	slow := func(ctx context.Context) (bool, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return true, nil
	}
	fast := func(context.Context) (bool, error) {
		close(secondVerified)
		return true, nil
	}

	rt.HandleBroadcastMessage(plainMsg(t, pubA, 1, nil, nil), slow)
	rt.HandleBroadcastMessage(plainMsg(t, pubA, 2, nil, nil), fast)
	<-secondVerified
	assert.Empty(t, r.timestamps(), "nothing is delivered before the first message is verified")

	close(release)
	rt.barrier()
	assert.Equal(t, []int64{1, 2}, r.timestamps())
}

func TestRealTime_VerificationFailuresBecomeEvents(t *testing.T) {
	r := &recorder{}
	rt := newRealTime(t, r.config(ResendOptions{}))

	boom := errors.New("boom")
	rt.HandleBroadcastMessage(plainMsg(t, pubA, 1, nil, nil), verified(false, boom))
	rt.HandleBroadcastMessage(plainMsg(t, pubA, 2, nil, nil), verified(false, nil))
	rt.HandleBroadcastMessage(plainMsg(t, pubA, 3, nil, nil), verified(true, nil))
	rt.barrier()

	assert.Equal(t, []int64{3}, r.timestamps(), "a bad message never halts the pipeline")

	errs := eventsOf[ErrorEvent](r)
	require.Len(t, errs, 2)
	var verr *VerificationFailedError
	require.ErrorAs(t, errs[0].Err, &verr)
	assert.ErrorIs(t, verr, boom)
	var serr *InvalidSignatureError
	require.ErrorAs(t, errs[1].Err, &serr)
	assert.Equal(t, pubA, serr.PublisherID)
}

func TestRealTime_QueuesUntilKeyInstalled(t *testing.T) {
	r := &recorder{}
	rt := newRealTime(t, r.config(ResendOptions{}))

	k := groupKey(1)
	const n = 5
	for i := range n {
		rt.HandleBroadcastMessage(encryptedMsg(t, pubA, int64(i+1), k, nil), nil)
	}
	rt.barrier()

	assert.Empty(t, r.timestamps())
	missing := eventsOf[GroupKeyMissingEvent](r)
	require.Len(t, missing, 1, "one outstanding request per publisher")
	assert.Equal(t, pubA, missing[0].PublisherID)
	assert.Equal(t, int64(0), missing[0].Start)
	assert.Equal(t, int64(0), missing[0].End)

	rt.SetGroupKeys(pubA, []encryption.GroupKey{{Key: k, Start: 0}})
	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, n+1, k, nil), nil)
	rt.barrier()

	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, r.timestamps())
	assert.Len(t, eventsOf[GroupKeyMissingEvent](r), 1)
}

func TestRealTime_QueuedBehindPendingKey(t *testing.T) {
	r := &recorder{}
	rt := newRealTime(t, r.config(ResendOptions{}))

	kA, kB := groupKey(1), groupKey(2)
	rt.SetGroupKeys(pubB, []encryption.GroupKey{{Key: kB}})
	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, 1, kA, nil), nil)
	rt.HandleBroadcastMessage(encryptedMsg(t, pubB, 2, kB, nil), nil)
	rt.HandleBroadcastMessage(plainMsg(t, pubA, 3, nil, nil), nil)
	rt.barrier()

	assert.Equal(t, []int64{2, 3}, r.timestamps(), "other publishers and plaintext are not blocked")

	rt.SetGroupKeys(pubA, []encryption.GroupKey{{Key: kA}})
	rt.barrier()
	assert.Equal(t, []int64{2, 3, 1}, r.timestamps())
}

func TestRealTime_DrainFollowsKeyInstallOrder(t *testing.T) {
	r := &recorder{}
	rt := newRealTime(t, r.config(ResendOptions{}))

	kA, kB := groupKey(1), groupKey(2)
	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, 1, kA, nil), nil)
	rt.HandleBroadcastMessage(encryptedMsg(t, pubB, 2, kB, nil), nil)
	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, 3, kA, nil), nil)
	rt.HandleBroadcastMessage(encryptedMsg(t, pubB, 4, kB, nil), nil)
	rt.barrier()
	require.Empty(t, r.timestamps())

	rt.SetGroupKeys(pubB, []encryption.GroupKey{{Key: kB}})
	rt.SetGroupKeys(pubA, []encryption.GroupKey{{Key: kA}})
	rt.barrier()

	assert.Equal(t, []int64{2, 4, 1, 3}, r.timestamps(), "each publisher drains in full, in install order")
}

func TestRealTime_RetryCap(t *testing.T) {
	r := &recorder{}
	cfg := r.config(ResendOptions{})
	cfg.PropagationTimeout = 5 * time.Millisecond
	cfg.MaxGroupKeyRequests = 3
	rt := newRealTime(t, cfg)

	k := groupKey(1)
	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, 1, k, nil), nil)
	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, 2, k, nil), nil)

	eventually(t, func() bool { return r.unableCount() == 2 })
	rt.barrier()

	missing := eventsOf[GroupKeyMissingEvent](r)
	require.Len(t, missing, 3)
	for i, ev := range missing {
		assert.Equal(t, i+1, ev.Attempt)
	}

	// Exhausted publishers go straight to the hook.
	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, 3, k, nil), nil)
	rt.barrier()
	assert.Equal(t, 3, r.unableCount())
	time.Sleep(20 * time.Millisecond)
	rt.barrier()
	assert.Len(t, eventsOf[GroupKeyMissingEvent](r), 3)

	// A key resets the publisher.
	rt.SetGroupKeys(pubA, []encryption.GroupKey{{Key: k}})
	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, 4, k, nil), nil)
	rt.barrier()
	assert.Equal(t, []int64{4}, r.timestamps())
}

func TestRealTime_UnableToDecryptWithoutHook(t *testing.T) {
	r := &recorder{}
	cfg := r.config(ResendOptions{})
	cfg.OnUnableToDecrypt = nil
	cfg.PropagationTimeout = time.Millisecond
	cfg.MaxGroupKeyRequests = 1
	rt := newRealTime(t, cfg)

	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, 1, groupKey(1), nil), nil)
	eventually(t, func() bool {
		for _, ev := range eventsOf[ErrorEvent](r) {
			if encryption.IsUnableToDecrypt(ev.Err) {
				return true
			}
		}
		return false
	})
}

func TestRealTime_KeyRotation(t *testing.T) {
	r := &recorder{}
	k1, k2 := groupKey(1), groupKey(2)
	cfg := r.config(ResendOptions{})
	cfg.GroupKeys = map[string][]encryption.GroupKey{pubA: {{Key: k1}}}
	rt := newRealTime(t, cfg)

	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, 1, k1, k2), nil)
	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, 2, k2, nil), nil)
	rt.barrier()

	assert.Equal(t, []int64{1, 2}, r.timestamps())
	assert.Empty(t, eventsOf[GroupKeyMissingEvent](r))
}

func TestRealTime_WrongKeyRequestsAgain(t *testing.T) {
	r := &recorder{}
	good := groupKey(2)
	cfg := r.config(ResendOptions{})
	cfg.GroupKeys = map[string][]encryption.GroupKey{pubA: {{Key: groupKey(1)}}}
	rt := newRealTime(t, cfg)

	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, 1, good, nil), nil)
	rt.barrier()
	assert.Len(t, eventsOf[GroupKeyMissingEvent](r), 1)

	rt.SetGroupKeys(pubA, []encryption.GroupKey{{Key: groupKey(3)}})
	rt.barrier()
	assert.Empty(t, r.timestamps())
	assert.Len(t, eventsOf[GroupKeyMissingEvent](r), 2, "a key that does not fit starts a new request")

	rt.SetGroupKeys(pubA, []encryption.GroupKey{{Key: good}})
	rt.barrier()
	assert.Equal(t, []int64{1}, r.timestamps())
}

func TestRealTime_InvalidInstallations(t *testing.T) {
	r := &recorder{}
	rt := newRealTime(t, r.config(ResendOptions{}))

	rt.SetGroupKeys(pubA, []encryption.GroupKey{{Key: groupKey(1)}, {Key: groupKey(2), Start: 1}})
	rt.SetGroupKeys(pubA, nil)
	rt.SetGroupKeys(pubA, []encryption.GroupKey{{Key: []byte("short")}})
	rt.barrier()

	errs := eventsOf[ErrorEvent](r)
	require.Len(t, errs, 3)
	assert.ErrorIs(t, errs[0].Err, ErrTooManyGroupKeys)
	assert.ErrorIs(t, errs[1].Err, ErrNoGroupKeys)
	var kerr *encryption.InvalidGroupKeyError
	assert.ErrorAs(t, errs[2].Err, &kerr)
}

func TestRealTime_ByeEmitsDone(t *testing.T) {
	r := &recorder{}
	rt := newRealTime(t, r.config(ResendOptions{}))

	rt.HandleBroadcastMessage(plainMsg(t, pubA, 1, nil, nil), nil)
	rt.HandleBroadcastMessage(plainMsg(t, pubA, 2, nil, map[string]any{message.ByeKey: true}), nil)
	rt.barrier()

	assert.Equal(t, []int64{1, 2}, r.timestamps())
	done := eventsOf[DoneEvent](r)
	require.Len(t, done, 1)
	assert.Equal(t, pubA, done[0].PublisherID)
	assert.Equal(t, int64(2), done[0].Ref.Timestamp)
}

func TestRealTime_HandlerPanicIsReported(t *testing.T) {
	r := &recorder{}
	cfg := r.config(ResendOptions{})
	calls := 0
	cfg.Handler = func(_ map[string]any, msg *message.StreamMessage) {
		calls++
		if msg.ID.Timestamp == 1 {
			panic("bad handler")
		}
	}
	rt := newRealTime(t, cfg)

	rt.HandleBroadcastMessage(plainMsg(t, pubA, 1, nil, nil), nil)
	rt.HandleBroadcastMessage(plainMsg(t, pubA, 2, nil, nil), nil)
	rt.barrier()

	assert.Equal(t, 2, calls)
	errs := eventsOf[ErrorEvent](r)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, ErrHandlerPanic)
}

func TestRealTime_CallbackPanicsAreContained(t *testing.T) {
	r := &recorder{}
	cfg := r.config(ResendOptions{})
	cfg.PropagationTimeout = time.Millisecond
	cfg.MaxGroupKeyRequests = 1
	cfg.Listener = func(ev Event) {
		r.listen(ev)
		panic("bad listener")
	}
	cfg.OnUnableToDecrypt = func(msg *message.StreamMessage, err error) {
		r.onUnable(msg, err)
		panic("bad hook")
	}
	rt := newRealTime(t, cfg)

	rt.SetState(StateSubscribed)
	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, 1, groupKey(1), nil), nil)
	eventually(t, func() bool { return r.unableCount() == 1 })

	rt.HandleBroadcastMessage(plainMsg(t, pubB, 2, nil, nil), nil)
	rt.barrier()
	assert.Equal(t, []int64{2}, r.timestamps())
	assert.Equal(t, []string{"subscribed", TypeGroupKeyMissing}, r.types())
}

func TestRealTime_RejectsNonContentMessages(t *testing.T) {
	r := &recorder{}
	rt := newRealTime(t, r.config(ResendOptions{}))

	msg, err := message.NewKeyExchangeMessage(message.MessageID{StreamID: testStream}, message.TypeGroupKeyRequest, map[string]any{})
	require.NoError(t, err)
	rt.HandleBroadcastMessage(msg, nil)
	rt.barrier()

	errs := eventsOf[ErrorEvent](r)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, ErrUnexpectedMessageType)
}

func TestRealTime_UnsubscribeCancelsRetries(t *testing.T) {
	r := &recorder{}
	cfg := r.config(ResendOptions{})
	cfg.PropagationTimeout = 5 * time.Millisecond
	rt := newRealTime(t, cfg)

	rt.SetState(StateSubscribed)
	rt.SetResending(true)
	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, 1, groupKey(1), nil), nil)
	rt.barrier()
	rt.SetState(StateUnsubscribed)
	rt.barrier()
	n := len(eventsOf[GroupKeyMissingEvent](r))

	time.Sleep(30 * time.Millisecond)
	rt.barrier()
	assert.Len(t, eventsOf[GroupKeyMissingEvent](r), n)
	assert.False(t, rt.IsResending())
	assert.Equal(t, StateUnsubscribed, rt.State())

	states := eventsOf[StateEvent](r)
	require.Len(t, states, 2)
	assert.Equal(t, StateSubscribed, states[0].State)
	assert.Equal(t, StateUnsubscribed, states[1].State)
	assert.Equal(t, "unsubscribed", states[1].Type())
}

func TestRealTime_StopKeepsPendingStateEvents(t *testing.T) {
	r := &recorder{}
	rt, err := NewRealTime(r.config(ResendOptions{}))
	require.NoError(t, err)

	release := make(chan struct{})
	rt.post(func() { <-release })
	rt.HandleBroadcastMessage(plainMsg(t, pubA, 1, nil, nil), nil)
	rt.SetState(StateUnsubscribing)
	rt.SetState(StateUnsubscribed)
	rt.Stop()
	close(release)
	<-rt.done

	assert.Equal(t, []string{"unsubscribing", "unsubscribed"}, r.types())
	assert.Empty(t, r.timestamps(), "ordinary tasks are still discarded")
}

func TestRealTime_DisconnectCancelsRetries(t *testing.T) {
	r := &recorder{}
	cfg := r.config(ResendOptions{})
	cfg.PropagationTimeout = 5 * time.Millisecond
	rt := newRealTime(t, cfg)

	k := groupKey(1)
	rt.SetResending(true)
	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, 1, k, nil), nil)
	rt.OnDisconnected()
	rt.barrier()
	n := len(eventsOf[GroupKeyMissingEvent](r))

	time.Sleep(30 * time.Millisecond)
	rt.barrier()
	assert.Len(t, eventsOf[GroupKeyMissingEvent](r), n)
	assert.False(t, rt.IsResending())

	// The queue survives a disconnect and a later message restarts the request.
	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, 2, k, nil), nil)
	rt.barrier()
	assert.Greater(t, len(eventsOf[GroupKeyMissingEvent](r)), n)

	rt.SetGroupKeys(pubA, []encryption.GroupKey{{Key: k}})
	rt.barrier()
	assert.Equal(t, []int64{1, 2}, r.timestamps())
}

func TestRealTime_ResendBookkeeping(t *testing.T) {
	r := &recorder{}
	rt := newRealTime(t, r.config(ResendOptions{}))

	resp := message.ResendResponse{StreamID: testStream, RequestID: "r1"}
	rt.AddPendingResendRequestID("r1")
	rt.HandleResending(resp)
	rt.HandleResentMessage(plainMsg(t, pubA, 1, nil, nil), "r1", verified(true, nil))
	rt.HandleResent(resp)
	rt.barrier()

	assert.Equal(t, []int64{1}, r.timestamps())
	assert.Equal(t, []string{TypeResending, TypeResent}, r.types())
	assert.False(t, rt.IsResending())

	rt.HandleResentMessage(plainMsg(t, pubA, 2, nil, nil), "unknown", nil)
	rt.HandleNoResend(message.ResendResponse{RequestID: "unknown"})
	rt.barrier()
	errs := eventsOf[ErrorEvent](r)
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0].Err, ErrUnknownResendRequest)
	assert.ErrorIs(t, errs[1].Err, ErrUnknownResendRequest)
	assert.Equal(t, []int64{1}, r.timestamps())
}

func TestRealTime_ResentWaitsForSlowVerification(t *testing.T) {
	r := &recorder{}
	rt := newRealTime(t, r.config(ResendOptions{}))

	release := make(chan struct{})
	slow := func(ctx context.Context) (bool, error) {
		<-release
		return true, nil
	}

	rt.AddPendingResendRequestID("r1")
	rt.HandleResentMessage(plainMsg(t, pubA, 1, nil, nil), "r1", slow)
	rt.HandleResent(message.ResendResponse{RequestID: "r1"})

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, eventsOf[ResentEvent](r))

	close(release)
	rt.barrier()
	assert.Equal(t, []int64{1}, r.timestamps())
	assert.Len(t, eventsOf[ResentEvent](r), 1)
}

func TestRealTime_ResendFinishesAfterQueuesDrain(t *testing.T) {
	r := &recorder{}
	rt := newRealTime(t, r.config(ResendOptions{}))

	k := groupKey(1)
	rt.AddPendingResendRequestID("r1")
	rt.HandleResending(message.ResendResponse{RequestID: "r1"})
	rt.HandleResentMessage(encryptedMsg(t, pubA, 1, k, nil), "r1", nil)
	rt.HandleResent(message.ResendResponse{RequestID: "r1"})
	rt.barrier()
	assert.True(t, rt.IsResending(), "a queued message keeps the resend open")

	rt.SetGroupKeys(pubA, []encryption.GroupKey{{Key: k}})
	rt.barrier()
	assert.False(t, rt.IsResending())
	assert.Empty(t, eventsOf[InitialResendDoneEvent](r), "only historical engines announce the initial resend")
}

func TestRealTime_StopDiscardsQueued(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := &recorder{}
	rt, err := NewRealTime(r.config(ResendOptions{}))
	require.NoError(t, err)

	k := groupKey(1)
	rt.HandleBroadcastMessage(encryptedMsg(t, pubA, 1, k, nil), nil)
	rt.barrier()

	rt.Stop()
	rt.Stop()
	<-rt.done

	rt.SetGroupKeys(pubA, []encryption.GroupKey{{Key: k}})
	rt.HandleBroadcastMessage(plainMsg(t, pubA, 2, nil, nil), nil)
	rt.barrier()
	assert.Empty(t, r.timestamps())
}

func TestRealTime_StopUnblocksPendingVerification(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := &recorder{}
	rt, err := NewRealTime(r.config(ResendOptions{}))
	require.NoError(t, err)

	blocked := func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}
	rt.HandleBroadcastMessage(plainMsg(t, pubA, 1, nil, nil), blocked)
	time.Sleep(5 * time.Millisecond)

	rt.Stop()
	<-rt.done
	assert.Empty(t, r.timestamps())
}

func TestRealTime_Identity(t *testing.T) {
	r := &recorder{}
	cfg := r.config(ResendOptions{})
	cfg.StreamPartition = 3
	a := newRealTime(t, cfg)
	b := newRealTime(t, cfg)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, testStream, a.StreamID())
	assert.Equal(t, 3, a.StreamPartition())
	assert.True(t, a.ResendOptions().IsZero())
}

func TestRealTime_GapsAreForwarded(t *testing.T) {
	r := &recorder{}
	cfg := r.config(ResendOptions{})
	cfg.Ordering = newGapDetector
	rt := newRealTime(t, cfg)

	rt.HandleBroadcastMessage(plainMsg(t, pubA, 1, nil, nil), nil)
	rt.HandleBroadcastMessage(plainMsg(t, pubA, 5, &message.MessageRef{Timestamp: 4}, nil), nil)
	rt.barrier()

	gaps := eventsOf[GapEvent](r)
	require.Len(t, gaps, 1)
	assert.Equal(t, message.MessageRef{Timestamp: 1, SequenceNumber: 1}, gaps[0].From)
	assert.Equal(t, message.MessageRef{Timestamp: 4}, gaps[0].To)
}
