package source_test

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classcloud/roster-sync-server/internal/source"
)

func TestEventSplit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		eventType  string
		objectType string
		action     string
		ok         bool
	}{
		{
			name:       "created event",
			eventType:  "students.created",
			objectType: "students",
			action:     "created",
			ok:         true,
		},
		{
			name:       "deleted event",
			eventType:  "sections.deleted",
			objectType: "sections",
			action:     "deleted",
			ok:         true,
		},
		{
			name:      "no separator",
			eventType: "students",
		},
		{
			name:      "empty action",
			eventType: "students.",
		},
		{
			name:      "empty object type",
			eventType: ".created",
		},
		{
			name:      "empty type",
			eventType: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			objectType, action, ok := source.Event{Type: tt.eventType}.Split()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.objectType, objectType)
			assert.Equal(t, tt.action, action)
		})
	}
}

func TestReadEventsSince(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/events", r.URL.Path)
		assert.Equal(t, "sch-1", r.URL.Query().Get("school"))
		assert.Equal(t, "evt-100", r.URL.Query().Get("starting_after"))
		_, _ = w.Write([]byte(`{
			"data":[
				{"data":{"id":"evt-101","type":"students.created","data":{"id":"stu-1"}}},
				{"data":{"id":"evt-102","type":"students.updated","data":{"id":"stu-1"},"previous_attributes":{"name":"old"}}},
				{"data":{"id":"evt-103","type":"sections.deleted","data":{"id":"sec-9"}}}
			],
			"links":[]
		}`))
	}))
	defer server.Close()

	recorder := &sleepRecorder{}
	client := newTestClient(server.URL, recorder)
	reader := source.NewFeedReader(client, nil)

	events, err := reader.ReadEventsSince(context.Background(), "sch-1", "evt-100")
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "evt-101", events[0].ID)
	assert.Equal(t, "evt-102", events[1].ID)
	assert.Equal(t, "evt-103", events[2].ID)
	assert.NotNil(t, events[1].PreviousAttributes)

	objectType, action, ok := events[2].Split()
	require.True(t, ok)
	assert.Equal(t, "sections", objectType)
	assert.Equal(t, "deleted", action)
}

func TestReadEventsSinceEmptyCursor(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasCursor := r.URL.Query()["starting_after"]
		assert.False(t, hasCursor, "empty cursor must read from the feed start")
		_, _ = w.Write([]byte(`{"data":[],"links":[]}`))
	}))
	defer server.Close()

	recorder := &sleepRecorder{}
	reader := source.NewFeedReader(newTestClient(server.URL, recorder), nil)

	events, err := reader.ReadEventsSince(context.Background(), "sch-1", "")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReadEventsSincePageCap(t *testing.T) {
	t.Parallel()

	// Three pages chained by next links; a cap of two must stop the read on
	// the page boundary without touching the third page
	var serverURL string
	pages := map[string]string{
		"": `{
			"data":[{"data":{"id":"evt-1","type":"students.created","data":{}}},
			        {"data":{"id":"evt-2","type":"students.created","data":{}}}],
			"links":[{"rel":"next","uri":"{base}/v1/events?page=2"}]
		}`,
		"2": `{
			"data":[{"data":{"id":"evt-3","type":"students.created","data":{}}},
			        {"data":{"id":"evt-4","type":"students.created","data":{}}}],
			"links":[{"rel":"next","uri":"{base}/v1/events?page=3"}]
		}`,
		"3": `{
			"data":[{"data":{"id":"evt-5","type":"students.created","data":{}}}],
			"links":[]
		}`,
	}

	var calls atomic.Int64
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, ok := pages[r.URL.Query().Get("page")]
		require.True(t, ok)
		_, _ = w.Write([]byte(strings.ReplaceAll(body, "{base}", serverURL)))
	}))
	defer server.Close()
	serverURL = server.URL

	recorder := &sleepRecorder{}
	reader := source.NewFeedReader(newTestClient(server.URL, recorder), nil,
		source.WithMaxFeedPages(2))

	events, err := reader.ReadEventsSince(context.Background(), "sch-1", "")
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "evt-4", events[3].ID)
	assert.Equal(t, int64(2), calls.Load())
}

func TestLatestEventID(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/events/latest", r.URL.Path)
		if r.URL.Query().Get("school") == "sch-empty" {
			_, _ = w.Write([]byte(`{"data":[],"links":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"data":{"id":"evt-207","type":"students.updated","data":{}}}],"links":[]}`))
	}))
	defer server.Close()

	recorder := &sleepRecorder{}
	reader := source.NewFeedReader(newTestClient(server.URL, recorder), nil)

	id, err := reader.LatestEventID(context.Background(), "sch-1")
	require.NoError(t, err)
	assert.Equal(t, "evt-207", id)

	id, err = reader.LatestEventID(context.Background(), "sch-empty")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestReadEventsSinceRejectsMalformedEvent(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"data":{"type":"students.created"}}],"links":[]}`))
	}))
	defer server.Close()

	recorder := &sleepRecorder{}
	reader := source.NewFeedReader(newTestClient(server.URL, recorder), nil)

	_, err := reader.ReadEventsSince(context.Background(), "sch-1", "evt-100")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id")
}
