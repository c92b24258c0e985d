package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"auto_feed_publisher/generator"
	"auto_feed_publisher/metrics"
	"auto_feed_publisher/model"
	"auto_feed_publisher/queue"
	"auto_feed_publisher/storage"
)

// generateAndEnqueue runs one model round on the cycle's conversation and
// queues the result. Nothing is queued or counted when generation fails.
func (c *Controller) generateAndEnqueue(ctx context.Context, gc *model.GenerationCycle) error {
	if strings.TrimSpace(gc.TopicID) == "" {
		return fmt.Errorf("%w: cycle %s has no topic", ErrConfig, gc.ID)
	}
	if !c.gen.Ready() {
		return fmt.Errorf("%w: %v", ErrConfig, generator.ErrNoClient)
	}

	conv, turns, err := c.conversation(ctx, gc)
	if err != nil {
		return err
	}

	request := append(turns, generator.ContinuationTurn())
	started := time.Now()
	gctx, cancel := context.WithTimeout(ctx, c.opts.GenerationTimeout)
	draft, err := c.gen.Round(gctx, request)
	cancel()
	if err != nil {
		metrics.RecordGeneration("error", time.Since(started))
		if errors.Is(err, generator.ErrNoClient) {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
		return fmt.Errorf("%w: cycle %s: %v", ErrGeneration, gc.ID, err)
	}
	metrics.RecordGeneration("ok", time.Since(started))
	if !draft.Matched {
		metrics.RecordExtractionFallback()
		c.opts.Logger.Printf("[CYCLE] %s: no title/content pair in reply, publishing raw text", gc.ID)
	}

	r := queue.DelayRange{Min: gc.MinIntervalMinutes, Max: gc.MaxIntervalMinutes}
	if r.IsZero() {
		r = c.opts.DefaultInterval
	}
	cycleID := gc.ID
	item := &model.ScheduledItem{
		Title:       draft.Title,
		Body:        draft.Content,
		Target:      gc.Target(),
		PublishMode: gc.PublishMode,
		CycleID:     &cycleID,
	}
	itemID, err := c.queue.Enqueue(ctx, item, r)
	if err != nil {
		return fmt.Errorf("enqueue generated item for %s: %w", gc.ID, err)
	}
	metrics.RecordEnqueue("cycle")

	history := append(request, model.Turn{Role: model.RoleAssistant, Text: draft.Raw})
	if err := conv.SetMessages(history); err != nil {
		return err
	}
	if err := c.conversations.Save(ctx, conv); err != nil {
		// The item is already queued; a lost turn only shortens the context.
		c.opts.Logger.Printf("[CYCLE] ERROR: save conversation of %s: %v", gc.ID, err)
	}
	c.opts.Logger.Printf("[CYCLE] %s queued %s %q for %s", gc.ID, itemID, draft.Title, item.ScheduledAt.Format(time.RFC3339))
	c.infof("%s conversation now has %d turns", gc.ID, len(history))
	return nil
}

// conversation loads or creates the cycle's conversation and brings its
// system turn in line with the configured prompt.
func (c *Controller) conversation(ctx context.Context, gc *model.GenerationCycle) (*model.Conversation, []model.Turn, error) {
	system := generator.SystemPrompt(c.prompts.Resolve(gc.PromptKey), gc.TopicName)

	conv, err := c.conversations.FindByCycle(ctx, gc.ID)
	if errors.Is(err, storage.ErrNotFound) {
		conv = &model.Conversation{ID: uuid.NewString(), TopicID: gc.TopicID, CycleID: gc.ID}
		turns, _ := generator.EnsureSystemTurn(nil, system)
		if err := conv.SetMessages(turns); err != nil {
			return nil, nil, err
		}
		if err := c.conversations.Create(ctx, conv); err != nil {
			return nil, nil, err
		}
		c.infof("%s started a new conversation %s", gc.ID, conv.ID)
		return conv, turns, nil
	}
	if err != nil {
		return nil, nil, err
	}

	turns, err := conv.Messages()
	if err != nil {
		return nil, nil, fmt.Errorf("decode conversation %s: %w", conv.ID, err)
	}
	turns, drifted := generator.EnsureSystemTurn(turns, system)
	if drifted {
		if err := conv.SetMessages(turns); err != nil {
			return nil, nil, err
		}
		if err := c.conversations.Save(ctx, conv); err != nil {
			return nil, nil, err
		}
		c.opts.Logger.Printf("[CYCLE] %s: prompt changed, system turn updated", gc.ID)
	}
	return conv, turns, nil
}
