// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package plugin

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// ErrCodeInvalidTopic is returned for a topic pattern that does not compile.
const ErrCodeInvalidTopic = "PLUGIN_INVALID_TOPIC"

// Event is a host event relayed onto plugin buses.
type Event struct {
	Topic   string
	Payload any
}

// Message is the record a guest listener receives for a relayed event.
func (e Event) Message() map[string]any {
	return map[string]any{"topic": e.Topic, "payload": e.Payload}
}

// Publisher delivers a message to one plugin. Manager implements it.
type Publisher interface {
	Publish(pluginName string, msg any) (int, error)
}

// subscription tracks which topics a plugin wants.
type subscription struct {
	pluginName string
	pattern    string
	glob       glob.Glob
}

// Subscriber relays host events to the plugins subscribed to their topic.
type Subscriber struct {
	publisher     Publisher
	logger        *slog.Logger
	subscriptions []subscription
	mu            sync.RWMutex
	wg            sync.WaitGroup
}

// NewSubscriber creates an event relay. A nil logger uses slog.Default.
func NewSubscriber(publisher Publisher, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{publisher: publisher, logger: logger}
}

// Subscribe registers a plugin for topics matching pattern. Patterns use
// "." as separator, so "layers.*" matches "layers.added" and "**" matches
// everything.
func (s *Subscriber) Subscribe(pluginName, pattern string) error {
	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return oops.Code(ErrCodeInvalidTopic).
			With("plugin", pluginName).
			With("pattern", pattern).
			Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = append(s.subscriptions, subscription{
		pluginName: pluginName,
		pattern:    pattern,
		glob:       g,
	})
	return nil
}

// Unsubscribe drops every subscription of a plugin.
func (s *Subscriber) Unsubscribe(pluginName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.subscriptions[:0]
	for _, sub := range s.subscriptions {
		if sub.pluginName != pluginName {
			kept = append(kept, sub)
		}
	}
	s.subscriptions = kept
}

// Start begins relaying events from the channel until ctx is done or the
// channel is closed.
func (s *Subscriber) Start(ctx context.Context, events <-chan Event) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				s.Dispatch(event)
			}
		}
	}()
}

// Stop waits for the relay goroutine to finish.
func (s *Subscriber) Stop() {
	s.wg.Wait()
}

// Dispatch delivers one event to every matching plugin, each plugin at most
// once. It returns the number of plugins that accepted it.
func (s *Subscriber) Dispatch(event Event) int {
	targets := s.targets(event.Topic)
	delivered := 0
	for _, name := range targets {
		if _, err := s.publisher.Publish(name, event.Message()); err != nil {
			s.logger.Warn("failed to relay event to plugin",
				"plugin", name,
				"topic", event.Topic,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (s *Subscriber) targets(topic string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	seen := make(map[string]bool)
	for _, sub := range s.subscriptions {
		if seen[sub.pluginName] || !sub.glob.Match(topic) {
			continue
		}
		seen[sub.pluginName] = true
		names = append(names, sub.pluginName)
	}
	return names
}
