package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const specKeyPrefix = "modelspec."

// ModelSpec carries the SAI model spec metadata embedded in safetensors
// headers or stored as a model_spec.json sidecar. All fields are optional;
// a missing spec is never an error.
type ModelSpec struct {
	SAIModelSpec   string `json:"modelspec.sai_model_spec,omitempty"`
	Architecture   string `json:"modelspec.architecture,omitempty"`
	Implementation string `json:"modelspec.implementation,omitempty"`
	Title          string `json:"modelspec.title,omitempty"`
	Description    string `json:"modelspec.description,omitempty"`
	Author         string `json:"modelspec.author,omitempty"`
	Date           string `json:"modelspec.date,omitempty"`
	Resolution     string `json:"modelspec.resolution,omitempty"`
	PredictionType string `json:"modelspec.prediction_type,omitempty"`
	License        string `json:"modelspec.license,omitempty"`
	Hash           string `json:"modelspec.hash_sha256,omitempty"`
	ThumbnailURL   string `json:"modelspec.thumbnail,omitempty"`

	// Extra holds modelspec.* keys with no dedicated field so unknown
	// vendor extensions survive a load/save round trip.
	Extra map[string]string `json:"-"`
}

// SpecFromMetadata extracts a ModelSpec from a safetensors metadata map.
// Returns nil when the map carries no modelspec.sai_model_spec marker.
func SpecFromMetadata(metadata map[string]string) *ModelSpec {
	if metadata == nil || metadata[specKeyPrefix+"sai_model_spec"] == "" {
		return nil
	}

	spec := &ModelSpec{}
	for key, value := range metadata {
		if !strings.HasPrefix(key, specKeyPrefix) {
			continue
		}
		switch key {
		case "modelspec.sai_model_spec":
			spec.SAIModelSpec = value
		case "modelspec.architecture":
			spec.Architecture = value
		case "modelspec.implementation":
			spec.Implementation = value
		case "modelspec.title":
			spec.Title = value
		case "modelspec.description":
			spec.Description = value
		case "modelspec.author":
			spec.Author = value
		case "modelspec.date":
			spec.Date = value
		case "modelspec.resolution":
			spec.Resolution = value
		case "modelspec.prediction_type":
			spec.PredictionType = value
		case "modelspec.license":
			spec.License = value
		case "modelspec.hash_sha256":
			spec.Hash = value
		case "modelspec.thumbnail":
			spec.ThumbnailURL = value
		default:
			if spec.Extra == nil {
				spec.Extra = map[string]string{}
			}
			spec.Extra[key] = value
		}
	}
	return spec
}

// SpecFromFile reads a model_spec.json sidecar.
func SpecFromFile(fpath string) (*ModelSpec, error) {
	//nolint:gosec // G304: sidecar lives next to the user-supplied checkpoint
	data, err := os.ReadFile(fpath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model spec: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse model spec: %w", err)
	}
	if spec := SpecFromMetadata(raw); spec != nil {
		return spec, nil
	}
	return nil, fmt.Errorf("model spec file %s carries no modelspec.sai_model_spec marker", fpath)
}

// Metadata renders the spec back into flat modelspec.* keys.
func (s *ModelSpec) Metadata() map[string]string {
	out := map[string]string{}
	put := func(key, value string) {
		if value != "" {
			out[specKeyPrefix+key] = value
		}
	}
	put("sai_model_spec", s.SAIModelSpec)
	put("architecture", s.Architecture)
	put("implementation", s.Implementation)
	put("title", s.Title)
	put("description", s.Description)
	put("author", s.Author)
	put("date", s.Date)
	put("resolution", s.Resolution)
	put("prediction_type", s.PredictionType)
	put("license", s.License)
	put("hash_sha256", s.Hash)
	put("thumbnail", s.ThumbnailURL)
	for key, value := range s.Extra {
		out[key] = value
	}
	return out
}

// DefaultSpec builds the spec embedded into checkpoints saved for a model
// type when the loaded checkpoint carried none.
func DefaultSpec(t Type) *ModelSpec {
	spec := &ModelSpec{SAIModelSpec: "1.0.0"}
	switch {
	case t.IsV2():
		spec.Architecture = "stable-diffusion-v2-768-v"
		spec.Resolution = "768x768"
		if !t.VPrediction() {
			spec.Architecture = "stable-diffusion-v2-512"
			spec.Resolution = "512x512"
		}
	default:
		spec.Architecture = "stable-diffusion-v1"
		spec.Resolution = "512x512"
	}
	if t.HasConditioningImageInput() {
		spec.Architecture += "/inpainting"
	}
	if t.HasDepthInput() {
		spec.Architecture += "/depth"
	}
	if t.VPrediction() {
		spec.PredictionType = "v"
	} else {
		spec.PredictionType = "epsilon"
	}
	spec.Implementation = "diffusers"
	return spec
}
