package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/servibot/servibot/internal/models"
)

// DefaultHistoryLimit bounds the transcript messages forwarded to the model.
const DefaultHistoryLimit = 12

const systemPromptTemplate = `You are the intent classifier for a home-appliance service business chat assistant.
Given the customer's message and conversation context, respond with ONLY a JSON object, no prose:
{
  "intent": one of "quote" | "schedule" | "status" | "faq" | "human" | "other",
  "action": one of "collect_data" | "generate_quote" | "schedule_service" | "answer_info" | "transfer_human",
  "fields": {"equipment": "", "brand": "", "problem": "", "mount_type": "", "power_type": "", "burner_count": 0},
  "suggested_reply": "optional short reply in the customer's language",
  "knowledge_refs": ["at most 3 knowledge block ids"]
}
Omit empty fields. Never invent appointment data or prices.`

// chatService is the minimal chat-completions surface we need; the concrete
// OpenAI service satisfies it and tests substitute a mock.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration options for the OpenAI classifier.
type Opts struct {
	APIKey       string
	Model        string
	HistoryLimit int
}

// Option defines a configuration option for the OpenAI classifier.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding the environment.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel overrides the model used for classification.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithHistoryLimit bounds how many transcript messages are forwarded.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) {
		o.HistoryLimit = n
	}
}

// OpenAIClassifier implements Classifier on the OpenAI chat-completions API.
type OpenAIClassifier struct {
	chat         chatService
	model        string
	historyLimit int
}

// NewOpenAIClassifier initializes the classifier, falling back to the
// OPENAI_API_KEY environment variable when no key option is given.
func NewOpenAIClassifier(opts ...Option) (*OpenAIClassifier, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	cli := openai.NewClient(option.WithAPIKey(apiKey))
	slog.Debug("NewOpenAIClassifier created", "model", model, "history_limit", limit)
	return &OpenAIClassifier{chat: &cli.Chat.Completions, model: model, historyLimit: limit}, nil
}

// Classify implements Classifier. The decision is decoded strictly and
// validated against the closed schema; any violation surfaces as
// models.ErrSchemaViolation.
func (c *OpenAIClassifier) Classify(ctx context.Context, req Request) (*models.Decision, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(c.buildSystemPrompt(req)),
	}
	for _, msg := range boundedHistory(req.History, c.historyLimit) {
		switch msg.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Message))

	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("OpenAIClassifier request failed", "error", err)
		return nil, fmt.Errorf("intent classification failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: classifier returned no choices", models.ErrSchemaViolation)
	}

	return ParseDecision(resp.Choices[0].Message.Content)
}

// ParseDecision strictly decodes and validates a raw classifier decision.
// Unknown fields, malformed JSON, or out-of-enum values are schema
// violations.
func ParseDecision(raw string) (*models.Decision, error) {
	trimmed := strings.TrimSpace(raw)
	// Models occasionally fence the JSON despite instructions; strip that
	// before the strict decode, nothing else.
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")

	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	dec.DisallowUnknownFields()
	var decision models.Decision
	if err := dec.Decode(&decision); err != nil {
		slog.Error("OpenAIClassifier decision decode failed", "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrSchemaViolation, err)
	}
	if err := decision.Validate(); err != nil {
		slog.Error("OpenAIClassifier decision invalid", "error", err)
		return nil, err
	}
	return &decision, nil
}

// buildSystemPrompt appends the chain directives and collected context to the
// base instruction so the model can bias toward preferred services and cite
// boosted knowledge blocks.
func (c *OpenAIClassifier) buildSystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(systemPromptTemplate)

	if !req.Directive.IsZero() {
		b.WriteString("\n\nBias hints for this message:")
		if len(req.Directive.PreferServices) > 0 {
			fmt.Fprintf(&b, "\n- preferred services: %s", strings.Join(req.Directive.PreferServices, ", "))
		}
		if len(req.Directive.AllowedTools) > 0 {
			fmt.Fprintf(&b, "\n- tools available: %s", strings.Join(req.Directive.AllowedTools, ", "))
		}
		if len(req.Directive.BoostBlocks) > 0 {
			fmt.Fprintf(&b, "\n- relevant knowledge blocks: %s", strings.Join(req.Directive.BoostBlocks, ", "))
		}
	}

	fmt.Fprintf(&b, "\n\nConversation stage: %s", req.Stage)
	if len(req.Context) > 0 {
		if ctxJSON, err := json.Marshal(req.Context); err == nil {
			fmt.Fprintf(&b, "\nCollected so far: %s", ctxJSON)
		}
	}
	return b.String()
}

func boundedHistory(history []models.ConversationMessage, limit int) []models.ConversationMessage {
	if limit >= 0 && len(history) > limit {
		return history[len(history)-limit:]
	}
	return history
}
