package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Сколько последних сообщений сессии отдается на оценку и извлечение фактов
const transcriptWindow = 10

const scoringTemperature = 0.3

const affinityPrompt = `You are the affinity evaluation module of a narrative game.
Read the conversation between the player and the character and judge the quality of the interaction:
number of turns, depth of the content, emotional connection.
Reply with a single integer between -5 and 10. Positive means a good interaction, negative a bad one.
Reply with the number only.`

const factsPrompt = `You are a memory extraction module.
Extract key personal facts the player mentioned about themselves in the conversation.
Known facts: %s
Return a flat JSON object with new or updated facts, for example {"favorite_color": "blue", "pet_name": "Snow"}.
If there is nothing new, return {}.`

const memoryHeader = "[What you remember about this player]"

// Oracle - обертка над Provider с промптами персонажа.
// Ответы модели считаются недоверенными: дельта ограничивается, факты очищаются.
type Oracle struct {
	provider  Provider
	character *Character
	tracer    trace.Tracer
	logger    *zap.Logger
}

func NewOracle(provider Provider, character *Character, logger *zap.Logger) *Oracle {
	return &Oracle{
		provider:  provider,
		character: character,
		tracer:    otel.Tracer("yade-server/pkg/ai"),
		logger:    logger.Named("Oracle"),
	}
}

// SystemPrompt собирает системный промт: персона, подсказка уровня отношений, факты памяти.
func (o *Oracle) SystemPrompt(tier string, facts map[string]string) string {
	var b strings.Builder
	b.WriteString(o.character.SystemPrompt)
	if hint, ok := o.character.TierHints[tier]; ok && hint != "" {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(hint))
	}
	if len(facts) > 0 {
		keys := make([]string, 0, len(facts))
		for k := range facts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n\n")
		b.WriteString(memoryHeader)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, facts[k])
		}
	}
	return b.String()
}

// Stream стримит ответ персонажа и возвращает полный текст.
func (o *Oracle) Stream(ctx context.Context, systemPrompt string, history []Message, onChunk func(string) error) (string, error) {
	ctx, span := o.tracer.Start(ctx, "oracle.stream", trace.WithAttributes(attribute.Int("history.len", len(history))))
	defer span.End()

	messages := append([]Message{{Role: RoleSystem, Content: systemPrompt}}, history...)
	var text strings.Builder
	usage, err := o.provider.GenerateStream(ctx, messages, o.character.params(), func(chunk string) error {
		text.WriteString(chunk)
		if onChunk != nil {
			return onChunk(chunk)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		return "", err
	}
	if strings.TrimSpace(text.String()) == "" {
		span.SetStatus(codes.Error, "empty reply")
		return "", fmt.Errorf("%w: empty reply", ErrAIGenerationFailed)
	}
	span.SetAttributes(attribute.Int("tokens.completion", usage.CompletionTokens))
	return text.String(), nil
}

// ScoreAffinity оценивает сессию чата. Некорректный ответ модели дает 0 без ошибки.
func (o *Oracle) ScoreAffinity(ctx context.Context, transcript []Message) (int, error) {
	ctx, span := o.tracer.Start(ctx, "oracle.score_affinity")
	defer span.End()

	text, _, err := o.provider.Generate(ctx, []Message{
		{Role: RoleSystem, Content: affinityPrompt},
		{Role: RoleUser, Content: RenderTranscript(transcript)},
	}, GenerationParams{Temperature: Float64(scoringTemperature)})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "score failed")
		return 0, err
	}

	delta := ParseAffinityDelta(text)
	if delta == 0 && strings.TrimSpace(text) != "0" {
		o.logger.Debug("Affinity reply not usable, treating as 0", zap.String("reply", truncateRunes(text, 64)))
	}
	span.SetAttributes(attribute.Int("affinity.delta", delta))
	return delta, nil
}

// ExtractFacts извлекает новые факты об игроке. Некорректный ответ дает пустой результат.
func (o *Oracle) ExtractFacts(ctx context.Context, transcript []Message, existing map[string]string) (map[string]string, error) {
	ctx, span := o.tracer.Start(ctx, "oracle.extract_facts")
	defer span.End()

	if existing == nil {
		existing = map[string]string{}
	}
	known, err := json.Marshal(existing)
	if err != nil {
		return nil, fmt.Errorf("marshal known facts: %w", err)
	}

	text, _, err := o.provider.Generate(ctx, []Message{
		{Role: RoleSystem, Content: fmt.Sprintf(factsPrompt, known)},
		{Role: RoleUser, Content: RenderTranscript(transcript)},
	}, GenerationParams{Temperature: Float64(scoringTemperature)})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extract failed")
		return nil, err
	}

	facts := ParseFacts(text)
	span.SetAttributes(attribute.Int("facts.count", len(facts)))
	return facts, nil
}

// RenderTranscript превращает последние сообщения сессии в текст для оценки.
func RenderTranscript(transcript []Message) string {
	if len(transcript) > transcriptWindow {
		transcript = transcript[len(transcript)-transcriptWindow:]
	}
	lines := make([]string, 0, len(transcript))
	for _, m := range transcript {
		lines = append(lines, m.Role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}
