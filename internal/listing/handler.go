// Package listing implements the create-listing job: draft creation, media
// upload and optional activation against the marketplace API.
package listing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/cache"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/domain"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/provider"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/queue"
)

// listingResponse is the subset of the provider's listing record the
// pipeline inspects.
type listingResponse struct {
	ListingID int64  `json:"listing_id"`
	State     string `json:"state"`
}

type imageResponse struct {
	ListingImageID int64 `json:"listing_image_id"`
}

type imagesResponse struct {
	Count   int             `json:"count"`
	Results []imageResponse `json:"results"`
}

type Handler struct {
	gw          *provider.Gateway
	cache       *cache.TieredCache
	cacheMaxAge time.Duration
	log         *zap.Logger
}

func New(gw *provider.Gateway, c *cache.TieredCache, cacheMaxAge time.Duration, log *zap.Logger) *Handler {
	return &Handler{gw: gw, cache: c, cacheMaxAge: cacheMaxAge, log: log.Named("listing")}
}

// Handle adapts CreateListing to the queue handler contract.
func (h *Handler) Handle(ctx context.Context, job domain.Job, report queue.ProgressFunc) (*queue.Result, error) {
	var p domain.ListingPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, &provider.Error{Class: provider.ClassValidation, Message: "malformed payload", Cause: err}
	}
	res, err := h.CreateListing(ctx, job.OwnerID, p, report)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	return &queue.Result{Data: data}, nil
}

// CreateListing runs the gateway call sequence: create draft, upload each
// image, optionally activate. Progress is reported after every sub-step.
func (h *Handler) CreateListing(ctx context.Context, ownerID string, p domain.ListingPayload, report queue.ProgressFunc) (*domain.ListingResult, error) {
	if p.Title == "" {
		return nil, &provider.Error{Class: provider.ClassValidation, Message: "title is required"}
	}

	body, err := json.Marshal(map[string]any{
		"title":       p.Title,
		"description": p.Description,
		"price":       p.Price,
		"quantity":    p.Quantity,
		"tags":        p.Tags,
		"state":       "draft",
	})
	if err != nil {
		return nil, err
	}
	resp, err := h.gw.Do(ctx, ownerID, provider.Request{
		Method:      http.MethodPost,
		Path:        fmt.Sprintf("/v3/application/shops/%s/listings", ownerID),
		Body:        body,
		ContentType: "application/json",
	})
	if err != nil {
		return nil, err
	}
	var created listingResponse
	if err := json.Unmarshal(resp.Body, &created); err != nil || created.ListingID == 0 {
		return nil, &provider.Error{Class: provider.ClassUnknown, Message: "unreadable create response", Cause: err}
	}
	report(20)
	h.log.Info("draft created", zap.String("owner", ownerID), zap.Int64("listing_id", created.ListingID))

	result := &domain.ListingResult{ListingID: created.ListingID, State: created.State}
	for i, img := range p.Images {
		data, err := h.resolveImage(ctx, img)
		if err != nil {
			return nil, err
		}
		id, err := h.uploadImage(ctx, ownerID, created.ListingID, img.Filename, data)
		if err != nil {
			return nil, err
		}
		result.ImageIDs = append(result.ImageIDs, id)
		report(20 + 70*(i+1)/len(p.Images))
	}

	if p.Activate {
		if err := h.activate(ctx, ownerID, created.ListingID); err != nil {
			return nil, err
		}
		result.State = "active"
		report(95)
	}
	return result, nil
}

// resolveImage turns an image input into raw bytes from whichever source the
// payload carries: inline data, ordered chunks or a tiered-cache reference.
func (h *Handler) resolveImage(ctx context.Context, img domain.ImageInput) ([]byte, error) {
	switch {
	case len(img.Data) > 0:
		return img.Data, nil
	case img.Chunks != nil:
		raw, err := img.Chunks.Reassemble()
		if err != nil {
			return nil, &provider.Error{Class: provider.ClassValidation, Message: err.Error(), Cause: err}
		}
		return raw, nil
	case img.CacheKey != "":
		var data []byte
		ok, err := h.cache.Load(ctx, img.CacheKey, h.cacheMaxAge, &data)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &provider.Error{Class: provider.ClassValidation,
				Message: fmt.Sprintf("media %q not found in cache", img.CacheKey)}
		}
		return data, nil
	default:
		return nil, &provider.Error{Class: provider.ClassValidation, Message: "image has no data source"}
	}
}

func (h *Handler) uploadImage(ctx context.Context, ownerID string, listingID int64, filename string, data []byte) (int64, error) {
	if filename == "" {
		filename = "image.jpg"
	}
	body, contentType, err := provider.MultipartUpload("image", filename, data, nil)
	if err != nil {
		return 0, err
	}
	resp, err := h.gw.Do(ctx, ownerID, provider.Request{
		Method:      http.MethodPost,
		Path:        fmt.Sprintf("/v3/application/shops/%s/listings/%d/images", ownerID, listingID),
		Body:        body,
		ContentType: contentType,
	})
	if err != nil {
		return 0, err
	}
	var img imageResponse
	if err := json.Unmarshal(resp.Body, &img); err != nil {
		return 0, &provider.Error{Class: provider.ClassUnknown, Message: "unreadable image response", Cause: err}
	}
	return img.ListingImageID, nil
}

func (h *Handler) activate(ctx context.Context, ownerID string, listingID int64) error {
	body, _ := json.Marshal(map[string]string{"state": "active"})
	_, err := h.gw.Do(ctx, ownerID, provider.Request{
		Method:      http.MethodPatch,
		Path:        fmt.Sprintf("/v3/application/shops/%s/listings/%d", ownerID, listingID),
		Body:        body,
		ContentType: "application/json",
	})
	return err
}

// VerifyImages polls the provider's read API until it reports at least want
// images on the listing, up to attempts tries spaced by delay. It returns
// false when the budget is exhausted; the provider may simply still be
// indexing, so callers treat that as a soft condition.
func (h *Handler) VerifyImages(ctx context.Context, ownerID string, listingID int64, want, attempts int, delay time.Duration) bool {
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return false
			case <-timer.C:
			}
		}
		resp, err := h.gw.Do(ctx, ownerID, provider.Request{
			Method: http.MethodGet,
			Path:   fmt.Sprintf("/v3/application/shops/%s/listings/%d/images", ownerID, listingID),
		})
		if err != nil {
			h.log.Warn("verification poll failed", zap.Int64("listing_id", listingID), zap.Error(err))
			continue
		}
		var imgs imagesResponse
		if err := json.Unmarshal(resp.Body, &imgs); err != nil {
			continue
		}
		if imgs.Count >= want || len(imgs.Results) >= want {
			return true
		}
	}
	return false
}
