package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"kb-assistant-api/internal/domain/entity"
)

func TestRouteCasual(t *testing.T) {
	provider := &fakeModelProvider{model: &fakeChatModel{
		responses: []string{"1: just a greeting"},
	}}
	r := NewRouter(provider, "openai")

	intent, reason := r.Route(context.Background(), "sk-test", "hey, how are you?")
	assert.Equal(t, entity.IntentCasual, intent)
	assert.Equal(t, "just a greeting", reason)
}

func TestRouteKnowledgeBase(t *testing.T) {
	provider := &fakeModelProvider{model: &fakeChatModel{
		responses: []string{"[2]: asks about documents"},
	}}
	r := NewRouter(provider, "openai")

	intent, _ := r.Route(context.Background(), "sk-test", "what does my lease say?")
	assert.Equal(t, entity.IntentKnowledgeBase, intent)
}

func TestRouteDefaultsToKnowledgeBaseOnFailure(t *testing.T) {
	cases := map[string]*fakeModelProvider{
		"provider error":      {err: errors.New("no api key")},
		"model error":         {model: &fakeChatModel{err: errors.New("timeout")}},
		"unrecognized output": {model: &fakeChatModel{responses: []string{"maybe?"}}},
		"empty output":        {model: &fakeChatModel{responses: []string{""}}},
	}

	for name, provider := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewRouter(provider, "openai")
			intent, _ := r.Route(context.Background(), "sk-test", "anything")
			assert.Equal(t, entity.IntentKnowledgeBase, intent)
		})
	}
}

func TestParseRouteChoice(t *testing.T) {
	intent, reason := parseRouteChoice("2: needs the corpus\nextra line ignored")
	assert.Equal(t, entity.IntentKnowledgeBase, intent)
	assert.Equal(t, "needs the corpus", reason)

	intent, _ = parseRouteChoice(" [1] : chit-chat ")
	assert.Equal(t, entity.IntentCasual, intent)

	intent, _ = parseRouteChoice("3: out of range")
	assert.Equal(t, entity.IntentKnowledgeBase, intent)
}
