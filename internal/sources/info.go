package sources

import (
	"context"
	"io"

	"tileproxy/internal/tile"
)

// TileJSONVersion is the only field every info object starts with.
const TileJSONVersion = "2.1.0"

// UpdateInfo applies src's zoom bounds and the id (when given), then
// override: a nil value deletes the key, anything else replaces it.
func UpdateInfo(info tile.Info, override map[string]any, src *Source, id string) {
	if src != nil {
		if src.MinZoom != nil {
			info["minzoom"] = *src.MinZoom
		}
		if src.MaxZoom != nil {
			info["maxzoom"] = *src.MaxZoom
		}
	}
	if id != "" {
		info["name"] = id
	}
	for k, v := range override {
		if v == nil {
			delete(info, k)
		} else {
			info[k] = v
		}
	}
}

// mergeInfo builds the info a registered source reports.
func mergeInfo(ctx context.Context, h tile.Handler, src *Source) (tile.Info, error) {
	info := tile.Info{"tilejson": TileJSONVersion}
	if src.SetInfo != nil {
		UpdateInfo(info, src.SetInfo, src, src.ID)
		UpdateInfo(info, src.OverrideInfo, nil, "")
		return info, nil
	}
	hi, err := h.Info(ctx)
	if err != nil {
		return nil, err
	}
	UpdateInfo(info, hi, nil, "")
	UpdateInfo(info, src.OverrideInfo, src, src.ID)
	return info, nil
}

// sourceHandler reports merged info in place of the wrapped handler's own.
type sourceHandler struct {
	tile.Handler
	info tile.Info
}

func (h *sourceHandler) Info(context.Context) (tile.Info, error) {
	out := make(tile.Info, len(h.info))
	for k, v := range h.info {
		out[k] = v
	}
	return out, nil
}

func (h *sourceHandler) Close() error {
	if c, ok := h.Handler.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type querySourceHandler struct {
	*sourceHandler
	q tile.Querier
}

func (h *querySourceHandler) Query(ctx context.Context, opts tile.QueryOptions) (tile.Iterator, error) {
	return h.q.Query(ctx, opts)
}

func wrapHandler(h tile.Handler, info tile.Info) tile.Handler {
	sh := &sourceHandler{Handler: h, info: info}
	if q, ok := h.(tile.Querier); ok {
		return &querySourceHandler{sourceHandler: sh, q: q}
	}
	return sh
}
