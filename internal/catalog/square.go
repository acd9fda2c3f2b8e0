package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-resto/internal/obs"
	"github.com/noah-isme/backend-resto/internal/pricing"
	"github.com/noah-isme/backend-resto/internal/resilience"
)

// SquareVersion pins the Square API version sent with every request.
const SquareVersion = "2024-10-17"

// Square reads the menu from the Square Catalog API.
type Square struct {
	HTTP        resilience.HTTPClient
	BaseURL     string
	AccessToken string
	LocationID  string
	Logger      zerolog.Logger
}

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type squareObject struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	IsDeleted bool   `json:"is_deleted"`
	ItemData  *struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		CategoryID  string `json:"category_id"`
		Categories  []struct {
			ID string `json:"id"`
		} `json:"categories"`
		ModifierListInfo []struct {
			ModifierListID string `json:"modifier_list_id"`
			Enabled        *bool  `json:"enabled"`
		} `json:"modifier_list_info"`
		Variations []struct {
			ID                string `json:"id"`
			ItemVariationData struct {
				PriceMoney        *squareMoney `json:"price_money"`
				LocationOverrides []struct {
					LocationID string `json:"location_id"`
					SoldOut    bool   `json:"sold_out"`
				} `json:"location_overrides"`
			} `json:"item_variation_data"`
		} `json:"variations"`
	} `json:"item_data"`
	ModifierListData *struct {
		Name      string `json:"name"`
		Modifiers []struct {
			ID           string `json:"id"`
			ModifierData struct {
				Name       string       `json:"name"`
				PriceMoney *squareMoney `json:"price_money"`
			} `json:"modifier_data"`
		} `json:"modifiers"`
	} `json:"modifier_list_data"`
	CategoryData *struct {
		Name string `json:"name"`
	} `json:"category_data"`
}

type squareListResponse struct {
	Objects []squareObject `json:"objects"`
	Cursor  string         `json:"cursor"`
	Errors  []struct {
		Category string `json:"category"`
		Code     string `json:"code"`
		Detail   string `json:"detail"`
	} `json:"errors"`
}

// List implements Provider by paging through ITEM, MODIFIER_LIST and CATEGORY objects.
func (s *Square) List(ctx context.Context) ([]Item, error) {
	if s == nil || strings.TrimSpace(s.AccessToken) == "" {
		return nil, errors.New("square catalog not configured")
	}
	ctx, span := obs.StartSpan(ctx, "catalog.square", "square.catalog.list")
	defer span.End()

	var objects []squareObject
	cursor := ""
	for {
		page, err := s.fetchPage(ctx, cursor)
		if err != nil {
			obs.CatalogFetchTotal.WithLabelValues("square", "error").Inc()
			span.RecordError(err)
			return nil, err
		}
		objects = append(objects, page.Objects...)
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	obs.CatalogFetchTotal.WithLabelValues("square", "ok").Inc()
	return s.assemble(objects), nil
}

// Get implements Provider.
func (s *Square) Get(ctx context.Context, id string) (Item, error) {
	items, err := s.List(ctx)
	if err != nil {
		return Item{}, err
	}
	return findItem(items, id)
}

func (s *Square) fetchPage(ctx context.Context, cursor string) (squareListResponse, error) {
	q := url.Values{}
	q.Set("types", "ITEM,MODIFIER_LIST,CATEGORY")
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := strings.TrimRight(s.BaseURL, "/") + "/v2/catalog/list?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return squareListResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	req.Header.Set("Square-Version", SquareVersion)
	req.Header.Set("Accept", "application/json")

	resp, err := s.HTTP.Do(ctx, req)
	if err != nil {
		return squareListResponse{}, fmt.Errorf("square catalog: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return squareListResponse{}, fmt.Errorf("square catalog: read body: %w", err)
	}
	var out squareListResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return squareListResponse{}, fmt.Errorf("square catalog: decode: %w", err)
	}
	if resp.StatusCode >= 300 {
		msg := resp.Status
		if len(out.Errors) > 0 {
			msg = out.Errors[0].Code + ": " + out.Errors[0].Detail
		}
		return squareListResponse{}, fmt.Errorf("square catalog: %s", msg)
	}
	return out, nil
}

func (s *Square) assemble(objects []squareObject) []Item {
	categories := make(map[string]string)
	lists := make(map[string]ModifierList)
	for _, obj := range objects {
		if obj.IsDeleted {
			continue
		}
		switch obj.Type {
		case "CATEGORY":
			if obj.CategoryData != nil {
				categories[obj.ID] = obj.CategoryData.Name
			}
		case "MODIFIER_LIST":
			if obj.ModifierListData == nil {
				continue
			}
			ml := ModifierList{ID: obj.ID, Name: obj.ModifierListData.Name}
			for _, mod := range obj.ModifierListData.Modifiers {
				var price pricing.Money
				if mod.ModifierData.PriceMoney != nil {
					price = pricing.Money(mod.ModifierData.PriceMoney.Amount)
				}
				ml.Modifiers = append(ml.Modifiers, Modifier{ID: mod.ID, Name: mod.ModifierData.Name, Price: price})
			}
			lists[obj.ID] = ml
		}
	}

	items := make([]Item, 0, len(objects))
	for _, obj := range objects {
		if obj.IsDeleted || obj.Type != "ITEM" || obj.ItemData == nil {
			continue
		}
		data := obj.ItemData
		item := Item{
			ID:          obj.ID,
			Name:        data.Name,
			Description: data.Description,
			InStock:     true,
		}
		categoryID := data.CategoryID
		if categoryID == "" && len(data.Categories) > 0 {
			categoryID = data.Categories[0].ID
		}
		item.Category = categories[categoryID]
		if len(data.Variations) > 0 {
			variation := data.Variations[0]
			item.VariationID = variation.ID
			if pm := variation.ItemVariationData.PriceMoney; pm != nil {
				item.Price = pricing.Money(pm.Amount)
			}
			for _, override := range variation.ItemVariationData.LocationOverrides {
				if override.LocationID == s.LocationID && override.SoldOut {
					item.InStock = false
				}
			}
		}
		for _, info := range data.ModifierListInfo {
			if info.Enabled != nil && !*info.Enabled {
				continue
			}
			if ml, ok := lists[info.ModifierListID]; ok {
				item.ModifierLists = append(item.ModifierLists, ml)
			}
		}
		items = append(items, item)
	}
	s.Logger.Debug().Int("items", len(items)).Int("modifier_lists", len(lists)).Msg("square catalog assembled")
	return items
}
