package ai_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"colonysync/internal/ai"
	"colonysync/internal/protocol"
	"colonysync/internal/sim/dispatch"
)

type recorder struct {
	mu     sync.Mutex
	got    []*protocol.Message
	reject error
	seen   chan *protocol.Message
}

func (r *recorder) Submit(_ context.Context, player string, m *protocol.Message) (dispatch.Result, error) {
	r.mu.Lock()
	r.got = append(r.got, m)
	r.mu.Unlock()
	if r.seen != nil {
		r.seen <- m
	}
	if r.reject != nil {
		return dispatch.Result{State: dispatch.Rejected, Err: r.reject}, nil
	}
	return dispatch.Result{State: dispatch.Propagated}, nil
}

func TestClient_Requests(t *testing.T) {
	rec := &recorder{}
	c := ai.NewClient("player:d", rec, nil)
	ctx := context.Background()

	require.NoError(t, c.BuildColony(ctx, "unit:d1", "Nueva"))
	require.NoError(t, c.SetDestination(ctx, "unit:d1", ""))
	require.NoError(t, c.EstablishMission(ctx, "unit:d3", "E"))
	require.NoError(t, c.DenounceMission(ctx, "unit:d3", "E"))
	require.NoError(t, c.DemandTribute(ctx, "unit:d4", "N"))
	require.NoError(t, c.AnswerMonarch(ctx, "RAISE_TAX", false))
	require.NoError(t, c.PutOutsideColony(ctx, "unit:d2"))

	tags := make([]string, 0, len(rec.got))
	for _, m := range rec.got {
		tags = append(tags, m.Tag)
	}
	require.Equal(t, []string{
		protocol.TagBuildColony,
		protocol.TagSetDestination,
		protocol.TagMissionary,
		protocol.TagMissionary,
		protocol.TagDemandTribute,
		protocol.TagMonarchAction,
		protocol.TagPutOutsideColony,
	}, tags)
	require.False(t, rec.got[1].Has(protocol.AttrDestination))
	require.True(t, rec.got[3].Bool(protocol.AttrDenounce))
	require.Equal(t, "false", rec.got[5].Attr(protocol.AttrResult))
	require.False(t, rec.got[5].Has(protocol.AttrTax))
}

func TestClient_IncompleteNeverSubmitted(t *testing.T) {
	rec := &recorder{}
	c := ai.NewClient("player:d", rec, nil)
	err := c.BuildColony(context.Background(), "", "Nueva")
	require.ErrorIs(t, err, protocol.ErrIncomplete)
	require.Empty(t, rec.got)
}

func TestClient_Rejected(t *testing.T) {
	rec := &recorder{reject: protocol.Reject(protocol.CodeIllegalState, "duplicate name")}
	c := ai.NewClient("player:d", rec, nil)
	err := c.BuildColony(context.Background(), "unit:d1", "Boston")
	require.ErrorIs(t, err, protocol.ErrIllegalState)
}

func TestInbox_AnswersMonarch(t *testing.T) {
	rec := &recorder{seen: make(chan *protocol.Message, 4)}
	in := ai.NewInbox(4, nil)
	in.MaxTax = 20
	in.Attach(ai.NewClient("player:d", rec, nil))
	in.Attach(ai.NewClient("player:n", rec, nil))
	require.Equal(t, []string{"player:d", "player:n"}, in.Connected())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.Run(ctx)

	propose := func(tax int) *protocol.Message {
		m, err := protocol.MonarchAction{Action: "RAISE_TAX", Tax: tax}.Message()
		require.NoError(t, err)
		return m
	}
	require.False(t, in.Send("player:a", propose(10)), "not an AI player")

	for _, c := range []struct {
		tax    int
		accept bool
	}{{10, true}, {35, false}} {
		require.True(t, in.Send("player:d", propose(c.tax)))
		select {
		case m := <-rec.seen:
			answer, err := protocol.ParseMonarchAction(m)
			require.NoError(t, err)
			require.Equal(t, c.accept, answer.Accepted, "tax %d", c.tax)
		case <-time.After(2 * time.Second):
			t.Fatal("no answer")
		}
	}
}
