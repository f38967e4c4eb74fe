package musicgen

import "fmt"

// ModelInfo describes a variant for the /models listing
type ModelInfo struct {
	ID          Variant `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  string  `json:"parameters"`
}

var catalog = []ModelInfo{
	{ID: VariantSmall, Name: "MusicGen Small", Description: "Fastest generation, good quality", Parameters: "300M"},
	{ID: VariantMedium, Name: "MusicGen Medium", Description: "Balanced speed and quality", Parameters: "1.5B"},
	{ID: VariantLarge, Name: "MusicGen Large", Description: "Best quality, slower generation", Parameters: "3.3B"},
}

// Catalog returns the static list of variants
func Catalog() []ModelInfo {
	out := make([]ModelInfo, len(catalog))
	copy(out, catalog)
	return out
}

// WeightsRepo is the pretrained weights identifier for a variant
func WeightsRepo(v Variant) string {
	return fmt.Sprintf("facebook/musicgen-%s", v)
}
