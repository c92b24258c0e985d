package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/ratelimit"

	"auto_feed_publisher/config"
	"auto_feed_publisher/model"
)

const (
	publishPath = "/sdk/publish"
	profilePath = "/sdk/profile"

	// defaultCategory 是话题链接里没有 circle_type 时使用的圈子类型。
	defaultCategory = 9
)

// StatusError is returned when the feed answers with a non-success status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: HTTP %d", e.Op, e.Code)
}

// ErrBadTopicLink is returned when no topic id can be read from a link.
var ErrBadTopicLink = errors.New("cannot extract topic id from topic link")

type topicRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category int    `json:"circle_type"`
}

// Publisher posts scheduled items to the social feed.
type Publisher struct {
	cfg     config.FeedConfig
	client  *http.Client
	limiter ratelimit.Limiter
	verbose bool
	logger  *log.Logger
	now     func() time.Time
}

// New creates a Publisher. A nil client gets one with the configured timeout.
func New(cfg config.FeedConfig, client *http.Client, verbose bool, logger *log.Logger) (*Publisher, error) {
	if cfg.BaseURL == "" || cfg.AccessToken == "" {
		return nil, errors.New("config must include feed.base_url and feed.access_token")
	}
	if client == nil {
		timeout := cfg.Timeout()
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = log.Default()
	}
	limiter := ratelimit.NewUnlimited()
	if cfg.RatePerMinute > 0 {
		limiter = ratelimit.New(cfg.RatePerMinute, ratelimit.Per(time.Minute))
	}
	return &Publisher{
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		verbose: verbose,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (p *Publisher) infof(format string, args ...interface{}) {
	if !p.verbose {
		return
	}
	p.logger.Printf("[PUBLISHER] "+format, args...)
}

// Publish sends one item to the feed. Any returned error means the item was
// not published.
func (p *Publisher) Publish(ctx context.Context, item model.ScheduledItem) error {
	if strings.TrimSpace(item.Body) == "" {
		return errors.New("item body is empty")
	}
	topics, err := resolveTopics(item.Target)
	if err != nil {
		return err
	}

	body := item.Body
	if p.cfg.RenderMarkdown {
		text, err := renderFeedText(body)
		if err != nil {
			return fmt.Errorf("render body: %w", err)
		}
		body = text
		p.infof("Rendered markdown body for %s (%d chars)", item.ID, len(body))
	}

	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return err
	}
	pubExtra, err := json.Marshal(map[string]any{"post_topics": topics})
	if err != nil {
		return err
	}

	params := p.baseParams()
	params.Set("launch_uuid", uuid.NewString())
	params.Set("session_uuid", strings.ReplaceAll(uuid.NewString(), "-", ""))
	params.Set("aigc_rewrite", "[]")
	params.Set("topics", string(topicsJSON))
	params.Set("pub_setting", `{"cmty_identity":1}`)
	params.Set("pub_extra", string(pubExtra))

	extra, err := json.Marshal(map[string]string{
		"aigc_rewrite": "[]",
		"topics":       string(topicsJSON),
		"pub_setting":  `{"cmty_identity":1}`,
		"pub_extra":    string(pubExtra),
	})
	if err != nil {
		return err
	}

	identity := identityType(item.PublishMode)
	form := url.Values{}
	form.Set("annoy_type", identity)
	form.Set("username_type", identity)
	form.Set("is_original", "0")
	form.Set("extra_infomation", string(extra))
	form.Set("at_users", "{}")
	form.Set("container_id", "-4001")
	form.Set("content", body)
	form.Set("hash", strconv.FormatInt(p.now().UnixMilli(), 10))
	if len(topics) > 0 {
		form.Set("fr", "topic_detail")
		form.Set("target", "topic_detail_post_pub")
	} else {
		form.Set("fr", "mainpage_701_101")
		form.Set("target", "post_pub")
	}
	if title := strings.TrimSpace(item.Title); title != "" {
		form.Set("title", title)
	}

	p.limiter.Take()

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + publishPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	p.setHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish request: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		p.logger.Printf("[PUBLISHER] publish %s rejected: HTTP %d %s", item.ID, resp.StatusCode, snippet)
		return &StatusError{Op: "publish", Code: resp.StatusCode, Body: string(snippet)}
	}
	p.infof("Published %s (%d topics), response: %s", item.ID, len(topics), snippet)
	return nil
}

// Ping checks the credentials against the profile endpoint.
func (p *Publisher) Ping(ctx context.Context) error {
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + profilePath + "?" + p.baseParams().Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("profile request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Op: "profile", Code: resp.StatusCode}
	}
	return nil
}

func (p *Publisher) baseParams() url.Values {
	params := url.Values{}
	for k, v := range p.cfg.DeviceParams {
		params.Set(k, v)
	}
	params.Set("access_token", "1."+p.cfg.AccessToken)
	return params
}

func (p *Publisher) setHeaders(req *http.Request) {
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
}

// identityType 对应表单里的 annoy_type/username_type。
func identityType(mode model.PublishMode) string {
	if mode == model.PublishAttributed {
		return "0"
	}
	return "5"
}

func resolveTopics(t model.Target) ([]topicRef, error) {
	switch t.Kind() {
	case model.TargetTopic:
		category, err := strconv.Atoi(t.Category)
		if err != nil {
			return nil, fmt.Errorf("invalid topic category %q", t.Category)
		}
		return []topicRef{{ID: t.TopicID, Name: topicName(t.TopicName, t.TopicID), Category: category}}, nil
	case model.TargetLink:
		return parseTopicLink(t.TopicLink, t.TopicName)
	default:
		return []topicRef{}, nil
	}
}

// parseTopicLink 支持两种链接：带 topic_id/circle_type 参数的话题页，
// 以及发布接口里带 topics JSON 参数的链接。
func parseTopicLink(link, name string) ([]topicRef, error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTopicLink, err)
	}
	q := u.Query()
	if id := q.Get("topic_id"); id != "" {
		category := defaultCategory
		if raw := q.Get("circle_type"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				category = n
			}
		}
		return []topicRef{{ID: id, Name: topicName(name, id), Category: category}}, nil
	}
	if raw := q.Get("topics"); raw != "" {
		var refs []topicRef
		if err := json.Unmarshal([]byte(raw), &refs); err == nil && len(refs) > 0 && refs[0].ID != "" {
			for i := range refs {
				if refs[i].Category == 0 {
					refs[i].Category = defaultCategory
				}
			}
			return refs, nil
		}
	}
	return nil, ErrBadTopicLink
}

func topicName(name, id string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return "话题_" + id
}
