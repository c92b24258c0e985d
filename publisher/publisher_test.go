package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto_feed_publisher/config"
	"auto_feed_publisher/model"
)

type captured struct {
	path   string
	query  url.Values
	form   url.Values
	header http.Header
}

func newFeed(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.query = r.URL.Query()
		got.header = r.Header.Clone()
		if r.Method == http.MethodPost {
			require.NoError(t, r.ParseForm())
			got.form = r.PostForm
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func newPublisher(t *testing.T, baseURL string, render bool) *Publisher {
	t.Helper()
	p, err := New(config.FeedConfig{
		BaseURL:        baseURL,
		AccessToken:    "tok",
		DeviceParams:   map[string]string{"version": "6.6.0", "channel": "AppStore"},
		Headers:        map[string]string{"User-Agent": "feed-client"},
		RenderMarkdown: render,
	}, nil, true, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	return p
}

func TestPublishTopicTarget(t *testing.T) {
	srv, got := newFeed(t, http.StatusOK)
	p := newPublisher(t, srv.URL, false)

	err := p.Publish(context.Background(), model.ScheduledItem{
		ID:     "item-1",
		Title:  "  标题 ",
		Body:   "正文",
		Target: model.Target{TopicID: "kGhb", Category: "9", TopicName: "远程办公"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/sdk/publish", got.path)
	assert.Equal(t, "1.tok", got.query.Get("access_token"))
	assert.Equal(t, "6.6.0", got.query.Get("version"))
	assert.Equal(t, "feed-client", got.header.Get("User-Agent"))
	assert.Equal(t, "正文", got.form.Get("content"))
	assert.Equal(t, "标题", got.form.Get("title"))
	assert.Equal(t, "5", got.form.Get("annoy_type"))
	assert.Equal(t, "topic_detail_post_pub", got.form.Get("target"))

	var topics []topicRef
	require.NoError(t, json.Unmarshal([]byte(got.query.Get("topics")), &topics))
	assert.Equal(t, []topicRef{{ID: "kGhb", Name: "远程办公", Category: 9}}, topics)
}

func TestPublishWithoutTopic(t *testing.T) {
	srv, got := newFeed(t, http.StatusCreated)
	p := newPublisher(t, srv.URL, false)

	err := p.Publish(context.Background(), model.ScheduledItem{
		Body:        "hello",
		PublishMode: model.PublishAttributed,
	})
	require.NoError(t, err)
	assert.Equal(t, "[]", got.query.Get("topics"))
	assert.Equal(t, "post_pub", got.form.Get("target"))
	assert.Equal(t, "0", got.form.Get("annoy_type"))
	_, hasTitle := got.form["title"]
	assert.False(t, hasTitle)
}

func TestPublishRendersMarkdown(t *testing.T) {
	srv, got := newFeed(t, http.StatusOK)
	p := newPublisher(t, srv.URL, true)

	require.NoError(t, p.Publish(context.Background(), model.ScheduledItem{Body: "# 标题\n\n- a\n- b"}))
	assert.Equal(t, "标题\n\n• a\n• b", got.form.Get("content"))
}

func TestPublishNon2xx(t *testing.T) {
	srv, _ := newFeed(t, http.StatusInternalServerError)
	p := newPublisher(t, srv.URL, false)

	err := p.Publish(context.Background(), model.ScheduledItem{Body: "x"})
	require.Error(t, err)
	assert.Equal(t, "publish failed: HTTP 500", err.Error())

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 500, se.Code)
	assert.Contains(t, se.Body, "ok")
}

func TestPublishRejectsBadInput(t *testing.T) {
	srv, got := newFeed(t, http.StatusOK)
	p := newPublisher(t, srv.URL, false)

	assert.Error(t, p.Publish(context.Background(), model.ScheduledItem{Body: "  "}))
	err := p.Publish(context.Background(), model.ScheduledItem{
		Body:   "x",
		Target: model.Target{TopicLink: "https://example.com/n/content/global-topic?foo=bar"},
	})
	assert.ErrorIs(t, err, ErrBadTopicLink)
	assert.Empty(t, got.path, "nothing reached the feed")
}

func TestPing(t *testing.T) {
	srv, got := newFeed(t, http.StatusOK)
	p := newPublisher(t, srv.URL, false)
	require.NoError(t, p.Ping(context.Background()))
	assert.Equal(t, "/sdk/profile", got.path)
	assert.Equal(t, "1.tok", got.query.Get("access_token"))

	denied, _ := newFeed(t, http.StatusUnauthorized)
	err := newPublisher(t, denied.URL, false).Ping(context.Background())
	assert.EqualError(t, err, "profile failed: HTTP 401")
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(config.FeedConfig{BaseURL: "http://x"}, nil, false, nil)
	assert.Error(t, err)
}

func TestParseTopicLink(t *testing.T) {
	tests := []struct {
		name string
		link string
		want []topicRef
		err  bool
	}{
		{
			name: "topic page with circle type",
			link: "https://maimai.cn/n/content/global-topic?circle_type=12&topic_id=zGMekSRN",
			want: []topicRef{{ID: "zGMekSRN", Name: "话题_zGMekSRN", Category: 12}},
		},
		{
			name: "missing circle type defaults to 9",
			link: "https://maimai.cn/n/content/global-topic?topic_id=abc",
			want: []topicRef{{ID: "abc", Name: "话题_abc", Category: 9}},
		},
		{
			name: "topics parameter from publish link",
			link: "https://api.taou.com/sdk/publish?topics=%5B%7B%22tag_id%22%3A0%2C%22id%22%3A%22kGhbfHKZ%22%2C%22name%22%3A%22%E6%88%BF%E4%BB%B7%22%7D%5D",
			want: []topicRef{{ID: "kGhbfHKZ", Name: "房价", Category: 9}},
		},
		{
			name: "no topic reference",
			link: "https://maimai.cn/n/content/global-topic",
			err:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTopicLink(tt.link, "")
			if tt.err {
				assert.ErrorIs(t, err, ErrBadTopicLink)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderFeedText(t *testing.T) {
	md := "# 标题\n\n第一段 **加粗**\n\n1. 一\n2. 二\n\n- a\n- b\n\na < b & c"
	got, err := renderFeedText(md)
	require.NoError(t, err)
	assert.Equal(t, "标题\n\n第一段 加粗\n\n1. 一\n2. 二\n\n• a\n• b\n\na < b & c", got)
}
