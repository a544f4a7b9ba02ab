package ai

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	MinAffinityDelta = -5
	MaxAffinityDelta = 10

	maxFactKeyLen   = 64
	maxFactValueLen = 256
	maxFacts        = 32
)

// stripCodeFence убирает markdown-обертку ```...``` вокруг ответа модели.
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// язык после открывающей обертки (```json)
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ParseAffinityDelta разбирает ответ модели с оценкой сессии.
// Ответ должен быть одним целым числом. Все остальное дает 0.
// Результат ограничен диапазоном [MinAffinityDelta, MaxAffinityDelta].
func ParseAffinityDelta(raw string) int {
	s := strings.TrimPrefix(stripCodeFence(raw), "+")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return ClampAffinityDelta(n)
}

func ClampAffinityDelta(n int) int {
	if n < MinAffinityDelta {
		return MinAffinityDelta
	}
	if n > MaxAffinityDelta {
		return MaxAffinityDelta
	}
	return n
}

// ParseFacts разбирает JSON-объект с фактами об игроке.
// Вложенные объекты, массивы и null пропускаются, числа и bool приводятся к строке.
// Некорректный ответ дает пустой результат.
func ParseFacts(raw string) map[string]string {
	facts := map[string]string{}
	s := stripCodeFence(raw)
	if !strings.HasPrefix(s, "{") {
		return facts
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return facts
	}

	keys := make([]string, 0, len(parsed))
	for k := range parsed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if len(facts) == maxFacts {
			break
		}
		key := strings.TrimSpace(k)
		if key == "" || utf8.RuneCountInString(key) > maxFactKeyLen {
			continue
		}
		value, ok := scalarString(parsed[k])
		if !ok {
			continue
		}
		value = truncateRunes(strings.TrimSpace(value), maxFactValueLen)
		if value == "" {
			continue
		}
		facts[key] = value
	}
	return facts
}

func scalarString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return "", false
		}
		return strconv.FormatBool(b), true
	case '{', '[', 'n':
		return "", false
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", false
		}
		return n.String(), true
	}
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}
