package ai

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelParams - параметры генерации для свободного чата.
type ModelParams struct {
	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"top_p"`
	MaxTokens   *int     `yaml:"max_tokens"`
}

// Character - описание персонажа: персона, параметры модели и подсказки по уровню отношений.
type Character struct {
	Name         string            `yaml:"name"`
	SystemPrompt string            `yaml:"system_prompt"`
	ModelParams  ModelParams       `yaml:"model_params"`
	TierHints    map[string]string `yaml:"tier_hints"`
}

// Значения по умолчанию, если в файле персонажа параметры не заданы
const (
	defaultTemperature = 0.7
	defaultTopP        = 0.8
	defaultMaxTokens   = 1500
)

// LoadCharacter читает YAML-файл персонажа.
func LoadCharacter(path string) (*Character, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read character file %s: %w", path, err)
	}
	return ParseCharacter(raw)
}

func ParseCharacter(raw []byte) (*Character, error) {
	var c Character
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode character: %w", err)
	}
	if strings.TrimSpace(c.SystemPrompt) == "" {
		return nil, errors.New("character system_prompt is empty")
	}
	if c.ModelParams.Temperature == nil {
		c.ModelParams.Temperature = Float64(defaultTemperature)
	}
	if c.ModelParams.TopP == nil {
		c.ModelParams.TopP = Float64(defaultTopP)
	}
	if c.ModelParams.MaxTokens == nil {
		c.ModelParams.MaxTokens = Int(defaultMaxTokens)
	}
	return &c, nil
}

func (c *Character) params() GenerationParams {
	return GenerationParams{
		Temperature: c.ModelParams.Temperature,
		TopP:        c.ModelParams.TopP,
		MaxTokens:   c.ModelParams.MaxTokens,
	}
}
