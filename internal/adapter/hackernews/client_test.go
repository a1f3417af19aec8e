package hackernews_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hnharvest/features/item"
	"hnharvest/internal/adapter/hackernews"
)

func newServer(t *testing.T, h http.HandlerFunc) *hackernews.Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return hackernews.NewClient(ts.URL, time.Second)
}

func TestClient_MaxItem(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/maxitem.json", r.URL.Path)
		w.Write([]byte("40123456\n"))
	})

	id, err := client.MaxItem(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(40123456), id)
}

func TestClient_MaxItem_Malformed(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"soon"`))
	})

	_, err := client.MaxItem(context.Background())
	assert.ErrorIs(t, err, hackernews.ErrMalformed)
}

func TestClient_Item(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/item/8863.json", r.URL.Path)
		w.Write([]byte(`{"by":"dhouston","descendants":71,"id":8863,"kids":[8952,9224],"score":111,"time":1175714200,"title":"My YC app: Dropbox","type":"story","url":"http://www.getdropbox.com/u/2/screencast.html"}`))
	})

	it, err := client.Item(context.Background(), 8863)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, item.TypeStory, it.Type)
	assert.Equal(t, "dhouston", it.By)
	assert.Equal(t, []int64{8952, 9224}, it.Kids)
	assert.Equal(t, 71, it.Descendants)
	assert.False(t, it.Absent)
}

func TestClient_Item_StripsNULBytes(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":5,"type":"comment","by":"a\u0000b","text":"a\u0000b","title":"\u0000x"}`))
	})

	it, err := client.Item(context.Background(), 5)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, "ab", it.Text)
	assert.Equal(t, "ab", it.By)
	assert.Equal(t, "x", it.Title)
}

func TestClient_Item_NullIsAbsent(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("null"))
	})

	it, err := client.Item(context.Background(), 5)
	assert.NoError(t, err)
	assert.Nil(t, it)
}

func TestClient_Item_DeletedIsPresent(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":6,"deleted":true,"type":"comment","time":1160419662,"parent":1}`))
	})

	it, err := client.Item(context.Background(), 6)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.True(t, it.Deleted)
}

func TestClient_Item_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
		target    error
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, target: hackernews.ErrRateLimited},
		{name: "server error", status: http.StatusBadGateway, body: "upstream down"},
		{name: "forbidden", status: http.StatusForbidden, permanent: true},
		{name: "malformed", status: http.StatusOK, body: `{"id":`, permanent: true, target: hackernews.ErrMalformed},
		{name: "id mismatch", status: http.StatusOK, body: `{"id":99}`, permanent: true, target: hackernews.ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.Item(context.Background(), 7)
			require.Error(t, err)

			var perm *backoff.PermanentError
			assert.Equal(t, tt.permanent, errors.As(err, &perm))
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestClient_Item_StatusErrorCarriesCode(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.Item(context.Background(), 7)
	var se *hackernews.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
}

func TestClient_Item_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-block
	})
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Item(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
