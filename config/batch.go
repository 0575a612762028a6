package config

import "fmt"

// BatchItem is one generation request in a batch file.
type BatchItem struct {
	Prompt   string `yaml:"prompt" json:"prompt"`
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
	Analyze  bool   `yaml:"analyze,omitempty" json:"analyze,omitempty"`
	Mask     string `yaml:"mask,omitempty" json:"mask,omitempty"`
	Hint     string `yaml:"hint,omitempty" json:"hint,omitempty"`
}

// Batch is a list of independent generation requests run concurrently.
type Batch struct {
	Items []BatchItem `yaml:"items" json:"items"`
}

// ParseBatchFile loads a batch from a YAML or JSON file.
func ParseBatchFile(path string) (*Batch, error) {
	var batch Batch
	if err := decodeFile(path, &batch); err != nil {
		return nil, err
	}
	if err := batch.validate(); err != nil {
		return nil, err
	}
	return &batch, nil
}

// ParseBatch loads a batch from YAML.
func ParseBatch(data []byte) (*Batch, error) {
	var batch Batch
	if err := decode(data, formatYAML, &batch); err != nil {
		return nil, err
	}
	if err := batch.validate(); err != nil {
		return nil, err
	}
	return &batch, nil
}

// validate checks that the batch is not empty and every item has a prompt.
func (b *Batch) validate() error {
	if len(b.Items) == 0 {
		return fmt.Errorf("batch has no items")
	}
	for i, item := range b.Items {
		if item.Prompt == "" {
			return fmt.Errorf("batch item %d: prompt is required", i+1)
		}
	}
	return nil
}
