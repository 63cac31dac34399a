package oracle

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/generative-ai-go/genai"
	"github.com/pixelarcade/chat/internal/models"
	"go.uber.org/zap"
)

const (
	// ApplicationJSON is the response MIME type requested from the model.
	ApplicationJSON = "application/json"

	// SystemPrompt instructs the model how to classify arcade chat messages.
	SystemPrompt = `You are the automated moderator of the chat in an online arcade.
Players of all ages use the chat, so keep it friendly without being a killjoy.

Input format:
{
  "type": "global" or "dm",
  "content": "message text"
}

Output format:
{
  "allowed": true or false,
  "reason": "short explanation, \"ok\" when allowed",
  "severity": "none" | "low" | "medium" | "high",
  "filteredContent": "cleaned text, only for dm messages that can be salvaged"
}

Severity guide:
none: nothing wrong
low: mild rudeness, borderline language
medium: targeted insults, repeated profanity, spam links
high: hate speech, threats, sexual content, doxxing, self-harm encouragement

Key rules:
1. Trash talk about games is allowed
2. Only deny when the message would hurt someone or break the arcade rules
3. For "dm" messages with low or medium severity, provide filteredContent with the offending words replaced by asterisks
4. Never provide filteredContent for "global" messages`

	// AnalysisPrompt wraps a single message for classification.
	AnalysisPrompt = `Classify this chat message.

MESSAGE:
%s`
)

// generator is the subset of *genai.GenerativeModel the oracle uses.
type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// NewGeminiModel configures a Gemini model for structured verdict output.
func NewGeminiModel(client *genai.Client, name string) *genai.GenerativeModel {
	model := client.GenerativeModel(name)
	model.SystemInstruction = genai.NewUserContent(genai.Text(SystemPrompt))
	model.ResponseMIMEType = ApplicationJSON
	model.ResponseSchema = &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"allowed": {
				Type:        genai.TypeBoolean,
				Description: "Whether the message may stay visible",
			},
			"reason": {
				Type:        genai.TypeString,
				Description: "Short explanation of the decision",
			},
			"severity": {
				Type:        genai.TypeString,
				Enum:        []string{"none", "low", "medium", "high"},
				Description: "Severity of the violation",
			},
			"filteredContent": {
				Type:        genai.TypeString,
				Description: "Cleaned version of a direct message",
			},
		},
		Required: []string{"allowed", "reason", "severity"},
	}
	model.SetTemperature(0.1)
	model.SetTopP(0.95)
	model.SetMaxOutputTokens(512)
	return model
}

// GeminiOracle classifies messages with a Gemini model. It makes exactly one
// call per message; timeouts and retries are the caller's concern.
type GeminiOracle struct {
	model  generator
	logger *zap.Logger
}

func NewGeminiOracle(model generator, logger *zap.Logger) *GeminiOracle {
	return &GeminiOracle{
		model:  model,
		logger: logger.Named("oracle_gemini"),
	}
}

type classifyInput struct {
	Type    models.MessageContext `json:"type"`
	Content string                `json:"content"`
}

func (o *GeminiOracle) Classify(ctx context.Context, req Request) (models.Verdict, error) {
	input, err := sonic.Marshal(classifyInput{Type: req.Type, Content: req.Content})
	if err != nil {
		return models.Verdict{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	response, err := o.model.GenerateContent(ctx, genai.Text(fmt.Sprintf(AnalysisPrompt, input)))
	if err != nil {
		return models.Verdict{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if len(response.Candidates) == 0 || response.Candidates[0].Content == nil ||
		len(response.Candidates[0].Content.Parts) == 0 {
		return models.Verdict{}, fmt.Errorf("%w: no response from Gemini", ErrMalformedVerdict)
	}

	responseText, ok := response.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return models.Verdict{}, fmt.Errorf("%w: unexpected response format", ErrMalformedVerdict)
	}

	verdict, err := ParseVerdict([]byte(responseText))
	if err != nil {
		o.logger.Warn("Failed to parse model verdict",
			zap.String("response", string(responseText)),
			zap.Error(err))
		return models.Verdict{}, err
	}

	if req.Type != models.ContextDirect {
		verdict.FilteredContent = ""
	}
	return verdict, nil
}

type rawVerdict struct {
	Allowed         *bool  `json:"allowed"`
	Reason          string `json:"reason"`
	Severity        string `json:"severity"`
	FilteredContent string `json:"filteredContent"`
}

// ParseVerdict decodes and normalizes classifier output. A missing "allowed"
// field or an unknown severity is malformed.
func ParseVerdict(raw []byte) (models.Verdict, error) {
	var rv rawVerdict
	if err := sonic.Unmarshal(raw, &rv); err != nil {
		return models.Verdict{}, fmt.Errorf("%w: %w", ErrMalformedVerdict, err)
	}
	if rv.Allowed == nil {
		return models.Verdict{}, fmt.Errorf("%w: missing allowed", ErrMalformedVerdict)
	}

	severity, err := models.ParseSeverity(rv.Severity)
	if err != nil {
		return models.Verdict{}, fmt.Errorf("%w: %w", ErrMalformedVerdict, err)
	}

	return models.Verdict{
		Allowed:         *rv.Allowed,
		Reason:          rv.Reason,
		Severity:        severity,
		FilteredContent: rv.FilteredContent,
	}.Normalize(), nil
}
