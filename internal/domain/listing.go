package domain

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// ListingPayload is the create-listing job payload as submitted by the
// dashboard. Images carry either a cache reference resolved client-side or
// inline chunked base64 data (the cron upload path).
type ListingPayload struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Price       float64      `json:"price,omitempty"`
	Quantity    int          `json:"quantity,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Activate    bool         `json:"activate,omitempty"`
	Images      []ImageInput `json:"images"`
}

type ImageInput struct {
	Filename string  `json:"filename"`
	CacheKey string  `json:"cache_key,omitempty"`
	Data     []byte  `json:"data,omitempty"`
	Chunks   *Chunks `json:"chunks,omitempty"`
}

// ListingResult is merged into the job result on success.
type ListingResult struct {
	ListingID  int64   `json:"listing_id"`
	ImageIDs   []int64 `json:"image_ids"`
	State      string  `json:"state"`
	Unverified bool    `json:"unverified,omitempty"`
}

// Chunks holds ordered base64 fragments of a media blob. Uploads from the
// dashboard split large images into fixed-size chunks keyed by index; the
// full set must be present before reconstruction.
type Chunks struct {
	Count int     `json:"count"`
	Parts []Chunk `json:"parts"`
}

type Chunk struct {
	Index int    `json:"index"`
	Data  string `json:"data"`
}

// Reassemble validates that every index 0..Count-1 is present exactly once,
// concatenates the parts in order and decodes the base64 payload.
func (c *Chunks) Reassemble() ([]byte, error) {
	if c.Count <= 0 {
		return nil, fmt.Errorf("incomplete upload: chunk count %d", c.Count)
	}
	if len(c.Parts) != c.Count {
		return nil, fmt.Errorf("incomplete upload: have %d of %d chunks", len(c.Parts), c.Count)
	}
	parts := make([]Chunk, len(c.Parts))
	copy(parts, c.Parts)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Index < parts[j].Index })
	var b strings.Builder
	for i, p := range parts {
		if p.Index != i {
			return nil, fmt.Errorf("incomplete upload: missing chunk %d", i)
		}
		b.WriteString(p.Data)
	}
	raw, err := base64.StdEncoding.DecodeString(b.String())
	if err != nil {
		return nil, fmt.Errorf("chunk decode: %w", err)
	}
	return raw, nil
}
