package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// LoadSystemInstruction reads the AI system instruction from path. The
// instruction is passed to the backend verbatim, so only emptiness is
// checked.
func LoadSystemInstruction(path string) (string, error) {
	content, err := os.ReadFile(path) // #nosec G304 - path comes from config
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("system instruction file not found: %s", path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read system instruction: %w", err)
	}

	instruction := string(content)
	if err := ValidateSystemInstruction(instruction); err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return instruction, nil
}

// ValidateSystemInstruction rejects instructions that are blank.
func ValidateSystemInstruction(instruction string) error {
	if strings.TrimSpace(instruction) == "" {
		return fmt.Errorf("system instruction is empty")
	}
	return nil
}
