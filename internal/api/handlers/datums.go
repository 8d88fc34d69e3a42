package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"vshift/internal/core"
	"vshift/internal/datum"
	"vshift/internal/types"
)

// DatumHandler lists the supported datums and geoid models.
type DatumHandler struct{}

func NewDatumHandler() *DatumHandler {
	return &DatumHandler{}
}

func (h *DatumHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.HandleList)
}

// DatumListResponse groups datums by class. Hydraulic datums are listed but
// have no transformation model.
type DatumListResponse struct {
	Tidal       []datum.Datum `json:"tidal"`
	Orthometric []datum.Datum `json:"orthometric"`
	Ellipsoidal []datum.Datum `json:"ellipsoidal"`
	Hydraulic   []datum.Datum `json:"hydraulic"`
	Geoids      []datum.Geoid `json:"geoids"`
}

// HandleList handles GET /v1/datums. An optional ?class= filter returns one
// class only.
func (h *DatumHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	resp := DatumListResponse{
		Tidal:       datum.ByClass(datum.ClassTidal),
		Orthometric: datum.ByClass(datum.ClassOrthometric),
		Ellipsoidal: datum.ByClass(datum.ClassEllipsoidal),
		Hydraulic:   datum.ByClass(datum.ClassHydraulic),
		Geoids:      datum.Geoids(),
	}

	switch class := datum.Class(r.URL.Query().Get("class")); class {
	case "":
	case datum.ClassTidal, datum.ClassOrthometric, datum.ClassEllipsoidal, datum.ClassHydraulic:
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: datum.ByClass(class)})
		return
	default:
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationUnsupportedDatum,
			"class must be one of tidal, orthometric, ellipsoidal, hydraulic", nil))
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}
