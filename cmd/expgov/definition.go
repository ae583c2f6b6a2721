package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/expgov/internal/domain"
)

// definition es la forma YAML de un experimento que carga un operador.
type definition struct {
	ID         string               `yaml:"id"` // vacío = se genera un UUID
	ProjectID  string               `yaml:"project_id"`
	Name       string               `yaml:"name"`
	Type       string               `yaml:"type"`
	Hypothesis string               `yaml:"hypothesis"`
	Variants   []variantDefinition  `yaml:"variants"`
	Rules      domain.DecisionRules `yaml:"rules"`
}

type variantDefinition struct {
	VariantID         string             `yaml:"variant_id"`
	VariantType       string             `yaml:"variant_type"`
	AllocationPercent float64            `yaml:"allocation_percent"`
	MetaEntityID      string             `yaml:"meta_entity_id"`
	MetaEntityLevel   domain.EntityLevel `yaml:"meta_entity_level"`
	Payload           map[string]any     `yaml:"payload"`
	Metrics           *domain.Sample     `yaml:"metrics"`
}

// parseDefinition decodifica y valida una definición. El resultado queda PLANNED.
func parseDefinition(data []byte) (domain.Experiment, error) {
	var def definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return domain.Experiment{}, fmt.Errorf("parse definition: %w", err)
	}

	exp := domain.Experiment{
		ID:         def.ID,
		ProjectID:  def.ProjectID,
		Name:       def.Name,
		Type:       def.Type,
		Hypothesis: def.Hypothesis,
		Rules:      def.Rules,
		Status:     domain.StatusPlanned,
		CreatedAt:  time.Now().UTC(),
	}
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}

	for _, v := range def.Variants {
		variant := domain.Variant{
			VariantID:         v.VariantID,
			VariantType:       v.VariantType,
			AllocationPercent: v.AllocationPercent,
			Binding:           domain.Bound(v.MetaEntityID, v.MetaEntityLevel),
			Observed:          v.Metrics,
		}
		if len(v.Payload) > 0 {
			payload, err := json.Marshal(v.Payload)
			if err != nil {
				return domain.Experiment{}, fmt.Errorf("variant %s: payload: %w", v.VariantID, err)
			}
			variant.Payload = payload
		}
		exp.Variants = append(exp.Variants, variant)
	}

	if err := exp.Validate(); err != nil {
		return domain.Experiment{}, err
	}
	return exp, nil
}
