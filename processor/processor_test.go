// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonmq/axonmq/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessage(topic string, payload string) *storage.Message {
	return &storage.Message{
		Topic:       topic,
		Payload:     []byte(payload),
		QoS:         1,
		Origin:      "client-1",
		PublishTime: time.Now(),
	}
}

func TestLoggerForwardsUnchanged(t *testing.T) {
	l := NewLogger(discardLogger())
	require.NoError(t, l.SetConfig(json.RawMessage(`{"level":"debug"}`)))
	l.SetInstanceID("log-1")

	msg := testMessage("sensors/temp", `{"value": 1}`)
	res := l.OnMessage(context.Background(), msg)

	assert.Equal(t, ActionForward, res.Action)
	assert.Same(t, msg, res.Message)
}

func TestFilterTruthyForwards(t *testing.T) {
	f := NewFilter(discardLogger())
	require.NoError(t, f.SetConfig(json.RawMessage(`{"condition":"{{ payload.active }}"}`)))

	res := f.OnMessage(context.Background(), testMessage("a/b", `{"active": true}`))
	assert.Equal(t, ActionForward, res.Action)

	res = f.OnMessage(context.Background(), testMessage("a/b", `{"active": false}`))
	assert.Equal(t, ActionDrop, res.Action)
}

func TestFilterTopicCondition(t *testing.T) {
	f := NewFilter(discardLogger())
	cfg := `{"condition":"{% if topic == \"alerts/fire\" %}yes{% endif %}"}`
	require.NoError(t, f.SetConfig(json.RawMessage(cfg)))

	res := f.OnMessage(context.Background(), testMessage("alerts/fire", "x"))
	assert.Equal(t, ActionForward, res.Action)

	res = f.OnMessage(context.Background(), testMessage("alerts/smoke", "x"))
	assert.Equal(t, ActionDrop, res.Action)
}

func TestFilterMissingFieldIsFalsy(t *testing.T) {
	f := NewFilter(discardLogger())
	require.NoError(t, f.SetConfig(json.RawMessage(`{"condition":"{{ payload.missing.deeper }}"}`)))

	// lookups into a null payload render empty, which is falsy
	res := f.OnMessage(context.Background(), testMessage("a/b", "not json"))
	assert.Equal(t, ActionDrop, res.Action)
}

func TestJSONTransformRewritesPayload(t *testing.T) {
	j := NewJSONTransform(discardLogger())
	cfg := `{"template":"{\"device\": \"{{ client_id }}\", \"reading\": {{ raw_payload }}}"}`
	require.NoError(t, j.SetConfig(json.RawMessage(cfg)))

	msg := testMessage("sensors/temp", `{"value": 7}`)
	res := j.OnMessage(context.Background(), msg)

	require.Equal(t, ActionForward, res.Action)
	require.NotSame(t, msg, res.Message)
	assert.JSONEq(t, `{"device": "client-1", "reading": {"value": 7}}`, string(res.Message.Payload))
	assert.Equal(t, `{"value": 7}`, string(msg.Payload))
}

func TestJSONTransformSkipsNonJSON(t *testing.T) {
	j := NewJSONTransform(discardLogger())
	require.NoError(t, j.SetConfig(json.RawMessage(`{"template":"{}"}`)))

	msg := testMessage("sensors/temp", "plain text")
	res := j.OnMessage(context.Background(), msg)

	require.Equal(t, ActionForward, res.Action)
	assert.Same(t, msg, res.Message)
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []*storage.Message
	err  error
}

func (p *capturePublisher) Publish(msg *storage.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.err
}

func (p *capturePublisher) published() []*storage.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*storage.Message(nil), p.msgs...)
}

func TestRepublishDerivesMessage(t *testing.T) {
	pub := &capturePublisher{}
	r := NewRepublish(pub, discardLogger())
	cfg := `{"topic":"derived/{{ topic }}","payload":"{{ payload.value }}","qos":0}`
	require.NoError(t, r.SetConfig(json.RawMessage(cfg)))

	msg := testMessage("sensors/temp", `{"value": "42"}`)
	res := r.OnMessage(context.Background(), msg)

	require.Equal(t, ActionForward, res.Action)
	assert.Same(t, msg, res.Message)

	out := pub.published()
	require.Len(t, out, 1)
	assert.Equal(t, "derived/sensors/temp", out[0].Topic)
	assert.Equal(t, "42", string(out[0].Payload))
	assert.Equal(t, byte(0), out[0].QoS)
	assert.False(t, out[0].Retain)
	assert.Equal(t, 1, out[0].Depth)
}

func TestRepublishBadTopicTemplate(t *testing.T) {
	pub := &capturePublisher{}
	r := NewRepublish(pub, discardLogger())
	assert.Error(t, r.SetConfig(json.RawMessage(`{"topic":"{% bogus %}"}`)))
}

func TestRepublishPublishFailureStillForwards(t *testing.T) {
	pub := &capturePublisher{err: storage.ErrNotFound}
	r := NewRepublish(pub, discardLogger())
	require.NoError(t, r.SetConfig(json.RawMessage(`{"topic":"out/{{ topic }}"}`)))

	res := r.OnMessage(context.Background(), testMessage("a", "x"))
	assert.Equal(t, ActionForward, res.Action)
}

func TestWebhookPostsAndForwards(t *testing.T) {
	type request struct {
		body   string
		header string
	}
	got := make(chan request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- request{body: string(body), header: r.Header.Get("X-Token")}
	}))
	defer srv.Close()

	wh := NewWebhook(discardLogger())
	cfg := `{"url":"` + srv.URL + `","headers":{"X-Token":"secret"},"body":"{{ raw_payload }}"}`
	require.NoError(t, wh.SetConfig(json.RawMessage(cfg)))

	msg := testMessage("sensors/temp", `{"value": 3}`)
	res := wh.OnMessage(context.Background(), msg)
	require.Equal(t, ActionForward, res.Action)
	assert.Same(t, msg, res.Message)

	select {
	case req := <-got:
		assert.JSONEq(t, `{"value": 3}`, req.body)
		assert.Equal(t, "secret", req.header)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook request not received")
	}
}

func TestWebhookFailureStillForwards(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := NewWebhook(discardLogger())
	require.NoError(t, wh.SetConfig(json.RawMessage(`{"url":"`+srv.URL+`"}`)))

	res := wh.OnMessage(context.Background(), testMessage("a/b", "x"))
	assert.Equal(t, ActionForward, res.Action)
}

func TestAnomalyThreshold(t *testing.T) {
	a := NewAnomalyDetector(discardLogger())
	cfg := `{"value_selector":"{{ payload.value }}","strategy":"threshold","min":10,"max":30}`
	require.NoError(t, a.SetConfig(json.RawMessage(cfg)))

	res := a.OnMessage(context.Background(), testMessage("t", `{"value": 20}`))
	require.Equal(t, ActionForward, res.Action)
	assert.Empty(t, res.Message.UserProperties["anomaly"])

	res = a.OnMessage(context.Background(), testMessage("t", `{"value": 55}`))
	require.Equal(t, ActionForward, res.Action)
	assert.Equal(t, "true", res.Message.UserProperties["anomaly"])

	res = a.OnMessage(context.Background(), testMessage("t", `{"value": 5}`))
	require.Equal(t, ActionForward, res.Action)
	assert.Equal(t, "true", res.Message.UserProperties["anomaly"])
}

func TestAnomalyThresholdNonNumeric(t *testing.T) {
	a := NewAnomalyDetector(discardLogger())
	cfg := `{"value_selector":"{{ payload.value }}","strategy":"threshold","min":0,"max":1}`
	require.NoError(t, a.SetConfig(json.RawMessage(cfg)))

	res := a.OnMessage(context.Background(), testMessage("t", `{"value": "warm"}`))
	assert.Equal(t, ActionError, res.Action)
}

func TestAnomalyMovingAverage(t *testing.T) {
	a := NewAnomalyDetector(discardLogger())
	cfg := `{"value_selector":"{{ raw_payload }}","strategy":"moving_average","window_size":4,"deviation_factor":3}`
	require.NoError(t, a.SetConfig(json.RawMessage(cfg)))

	// no flagging until the window fills, even for wild values
	for _, v := range []string{"10", "12", "11", "1000"} {
		res := a.OnMessage(context.Background(), testMessage("t", v))
		require.Equal(t, ActionForward, res.Action)
		assert.Empty(t, res.Message.UserProperties["anomaly"], "value %s", v)
	}

	// settle the window back to a tight band
	for _, v := range []string{"10", "11", "10", "11"} {
		a.OnMessage(context.Background(), testMessage("t", v))
	}

	res := a.OnMessage(context.Background(), testMessage("t", "500"))
	require.Equal(t, ActionForward, res.Action)
	assert.Equal(t, "true", res.Message.UserProperties["anomaly"])

	res = a.OnMessage(context.Background(), testMessage("t", "10"))
	require.Equal(t, ActionForward, res.Action)
}

func TestAnomalySeparateSeries(t *testing.T) {
	a := NewAnomalyDetector(discardLogger())
	cfg := `{"value_selector":"{{ raw_payload }}","strategy":"moving_average","window_size":2,"deviation_factor":1}`
	require.NoError(t, a.SetConfig(json.RawMessage(cfg)))

	// fill series "a" only; series "b" stays cold and never flags
	a.OnMessage(context.Background(), testMessage("a", "1"))
	a.OnMessage(context.Background(), testMessage("a", "1"))

	res := a.OnMessage(context.Background(), testMessage("b", "999"))
	require.Equal(t, ActionForward, res.Action)
	assert.Empty(t, res.Message.UserProperties["anomaly"])
}

func TestAnomalyConfigValidation(t *testing.T) {
	a := NewAnomalyDetector(discardLogger())
	assert.Error(t, a.SetConfig(json.RawMessage(`{"value_selector":"{{ raw_payload }}","strategy":"threshold"}`)))
	assert.Error(t, a.SetConfig(json.RawMessage(`{"value_selector":"{{ raw_payload }}","strategy":"moving_average","window_size":0,"deviation_factor":2}`)))
	assert.Error(t, a.SetConfig(json.RawMessage(`{"value_selector":"{{ raw_payload }}","strategy":"percentile"}`)))
}

func TestWindowStats(t *testing.T) {
	w := newWindow(3)
	w.push(2)
	w.push(4)
	w.push(6)
	require.True(t, w.full())

	mean, std := w.stats()
	assert.InDelta(t, 4.0, mean, 1e-9)
	assert.InDelta(t, 1.632993, std, 1e-5)

	// rolling over evicts the oldest sample
	w.push(8)
	mean, _ = w.stats()
	assert.InDelta(t, 6.0, mean, 1e-9)
}
