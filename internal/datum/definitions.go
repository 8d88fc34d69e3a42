package datum

import (
	"sort"
	"strings"
)

// Class is the physical kind of a vertical reference surface.
type Class string

const (
	ClassTidal       Class = "tidal"
	ClassOrthometric Class = "orthometric"
	ClassEllipsoidal Class = "ellipsoidal"
	// ClassHydraulic covers river, lake and legacy datums that have no
	// transformation model in this module.
	ClassHydraulic Class = "hydraulic"
)

// HubEPSG is NAD83(2011), the ellipsoidal frame every tidal model is tied to.
const HubEPSG = 6319

// DefaultEpoch is used for any endpoint without an explicit or frame epoch.
const DefaultEpoch = 1997.0

// DefaultHubGeoid ties tidal models to the ellipsoid when nothing else names a geoid.
const DefaultHubGeoid = "g2018"

// Datum is one entry of the definitions table.
type Datum struct {
	EPSG        int     `json:"epsg"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Class       Class   `json:"class"`
	Uncertainty float64 `json:"uncertainty"`

	// Tidal: dataset name of the separation grid; empty for mean sea level,
	// which coincides with the topography of the sea surface model.
	Dataset string `json:"dataset,omitempty"`

	// Orthometric: default geoid and the ellipsoidal frame it is defined on.
	DefaultGeoid string `json:"default_geoid,omitempty"`
	Ellipsoid    int    `json:"ellipsoid,omitempty"`

	// Ellipsoidal: HTDP frame identifier and the frame's reference epoch.
	FrameID    int     `json:"frame_id,omitempty"`
	FrameEpoch float64 `json:"frame_epoch,omitempty"`
}

// Geoid describes a geoid model whose separation grid is a catalog dataset.
type Geoid struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Uncertainty float64 `json:"uncertainty"`
	Provider    string  `json:"provider"`
}

func tidal(epsg int, name, desc, dataset string) Datum {
	return Datum{EPSG: epsg, Name: name, Description: desc, Class: ClassTidal, Dataset: dataset}
}

func ortho(epsg int, name, geoid string, ellipsoid int) Datum {
	return Datum{EPSG: epsg, Name: name, Class: ClassOrthometric, DefaultGeoid: geoid, Ellipsoid: ellipsoid}
}

func frame(epsg int, name, desc string, id int, epoch float64, sigma float64) Datum {
	return Datum{EPSG: epsg, Name: name, Description: desc, Class: ClassEllipsoidal,
		FrameID: id, FrameEpoch: epoch, Uncertainty: sigma}
}

var datums = map[int]Datum{
	// Tidal
	1089: tidal(1089, "mllw", "Mean Lower Low Water", "mllw"),
	5866: tidal(5866, "mllw", "Mean Lower Low Water", "mllw"),
	1091: tidal(1091, "mlw", "Mean Low Water", "mlw"),
	5869: tidal(5869, "mhhw", "Mean Higher High Water", "mhhw"),
	5868: tidal(5868, "mhw", "Mean High Water", "mhw"),
	5714: tidal(5714, "msl", "Mean Sea Level", ""),
	5713: tidal(5713, "mtl", "Mean Tide Level", "mtl"),

	// Hydraulic and legacy
	5609: {EPSG: 5609, Name: "IGLD85", Description: "International Great Lakes Datum 1985", Class: ClassHydraulic},
	9000: {EPSG: 9000, Name: "LWD_IGLD85", Description: "IGLD85 Low Water Datum", Class: ClassHydraulic},
	5702: {EPSG: 5702, Name: "NGVD29", Description: "National Geodetic Vertical Datum 1929", Class: ClassHydraulic, Uncertainty: 0.05},

	// Orthometric
	5703: ortho(5703, "NAVD88 height", "g2018", HubEPSG),
	6360: ortho(6360, "NAVD88 height (usFt)", "g2018", HubEPSG),
	8228: ortho(8228, "NAVD88 height (Ft)", "g2018", HubEPSG),
	6641: ortho(6641, "PRVD02 height", "g2018", HubEPSG),
	6642: ortho(6642, "VIVD09 height", "g2018", HubEPSG),
	6647: ortho(6647, "CGVD2013(CGG2013)", "CGG2013", HubEPSG),
	3855: ortho(3855, "EGM2008 height", "egm2008", 7912),
	5773: ortho(5773, "EGM96 height", "egm96", 7912),

	// Ellipsoidal
	4269: frame(4269, "NAD_83(2011/CORS96/2007)", "North American plate fixed", 1, 1997.0, 0.02),
	6781: frame(6781, "NAD_83(2011/CORS96/2007)", "North American plate fixed", 1, 1997.0, 0.02),
	6319: frame(6319, "NAD_83(2011/CORS96/2007)", "North American plate fixed", 1, 1997.0, 0.02),
	6321: frame(6321, "NAD_83(PA11/PACP00)", "Pacific plate fixed", 2, 1997.0, 0.02),
	6324: frame(6324, "NAD_83(MA11/MARP00)", "Mariana plate fixed", 3, 1997.0, 0.02),
	4979: frame(4979, "WGS_84(original)", "NAD_83(2011) used", 4, 1997.0, 0),
	7815: frame(7815, "WGS_84(original)", "NAD_83(2011) used", 4, 1997.0, 0),
	7816: frame(7816, "WGS_84(original)", "NAD_83(2011) used", 4, 1997.0, 0),
	7656: frame(7656, "WGS_84(G730)", "ITRF91 used", 5, 1997.0, 0),
	7657: frame(7657, "WGS_84(G730)", "ITRF91 used", 5, 1997.0, 0),
	7658: frame(7658, "WGS_84(G873)", "ITRF94 used", 6, 1997.0, 0),
	7659: frame(7659, "WGS_84(G873)", "ITRF94 used", 6, 1997.0, 0),
	7660: frame(7660, "WGS_84(G1150)", "ITRF2000 used", 7, 1997.0, 0),
	7661: frame(7661, "WGS_84(G1150)", "ITRF2000 used", 7, 1997.0, 0),
	7662: frame(7662, "WGS_84(G1674)", "ITRF2008 used", 8, 2000.0, 0),
	7663: frame(7663, "WGS_84(G1674)", "ITRF2008 used", 8, 2000.0, 0),
	7664: frame(7664, "WGS_84(G1762)", "IGb08 used", 9, 2000.0, 0),
	7665: frame(7665, "WGS_84(G1762)", "IGb08 used", 9, 2000.0, 0),
	7666: frame(7666, "WGS_84(G2139)", "ITRF2014=IGS14=IGb14 used", 10, 1997.0, 0),
	7667: frame(7667, "WGS_84(G2139)", "ITRF2014=IGS14=IGb14 used", 10, 1997.0, 0),
	4910: frame(4910, "ITRF88", "", 11, 1988.0, 0),
	4911: frame(4911, "ITRF89", "", 12, 1988.0, 0),
	7901: frame(7901, "ITRF89", "", 12, 1988.0, 0),
	7902: frame(7902, "ITRF90", "PNEOS90/NEOS90", 13, 1988.0, 0),
	7903: frame(7903, "ITRF91", "", 14, 1988.0, 0),
	7904: frame(7904, "ITRF92", "", 15, 1988.0, 0),
	7905: frame(7905, "ITRF93", "", 16, 1988.0, 0),
	7906: frame(7906, "ITRF94", "", 17, 1988.0, 0),
	7907: frame(7907, "ITRF96", "", 18, 1996.0, 0),
	7908: frame(7908, "ITRF97", "IGS97", 19, 1997.0, 0),
	7909: frame(7909, "ITRF2000", "IGS00/IGb00", 20, 2000.0, 0),
	7910: frame(7910, "ITRF2005", "IGS05", 21, 2000.0, 0),
	7911: frame(7911, "ITRF2008", "IGS08/IGb08", 22, 2000.0, 0),
	7912: frame(7912, "ELLIPSOID", "IGS14/IGb14/WGS84/ITRF2014 Ellipsoid", 23, 2000.0, 0),
	1322: frame(1322, "ITRF2020", "IGS20", 24, 2000.0, 0),
}

var geoids = map[string]Geoid{
	"g2018":     {Name: "g2018", Description: "geoid 2018", Uncertainty: .0127, Provider: "proj"},
	"g2012b":    {Name: "g2012b", Description: "geoid 2012b", Uncertainty: .017, Provider: "proj"},
	"geoid09":   {Name: "geoid09", Description: "geoid 2009", Uncertainty: .05, Provider: "proj"},
	"xgeoid20b": {Name: "xgeoid20b", Description: "xgeoid20b", Uncertainty: .02, Provider: "vdatum"},
	"xgeoid19b": {Name: "xgeoid19b", Description: "xgeoid19b", Uncertainty: .02, Provider: "vdatum"},
	"egm2008":   {Name: "egm2008", Description: "EGM2008", Uncertainty: 0, Provider: "proj"},
	"egm96":     {Name: "egm96", Description: "EGM96", Uncertainty: 0, Provider: "proj"},
	"CGG2013":   {Name: "CGG2013", Description: "CGG2013", Uncertainty: 0.01, Provider: "proj"},
}

var geoidAliases = map[string]string{
	"geoid18":  "g2018",
	"geoid12b": "g2012b",
	"g2009":    "geoid09",
}

// nameAliases maps common datum names to their preferred code.
var nameAliases = map[string]int{
	"mllw":      5866,
	"mlw":       1091,
	"mhhw":      5869,
	"mhw":       5868,
	"msl":       5714,
	"mtl":       5713,
	"navd88":    5703,
	"prvd02":    6641,
	"vivd09":    6642,
	"cgvd2013":  6647,
	"egm2008":   3855,
	"egm96":     5773,
	"nad83":     6319,
	"wgs84":     7662,
	"itrf2014":  7912,
	"itrf2020":  1322,
	"igld85":    5609,
	"ngvd29":    5702,
	"ellipsoid": 7912,
}

// Lookup returns the datum registered under an EPSG code.
func Lookup(epsg int) (Datum, bool) {
	d, ok := datums[epsg]
	return d, ok
}

// LookupName resolves a datum by a case-insensitive alias or table name.
func LookupName(name string) (Datum, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if code, ok := nameAliases[key]; ok {
		return datums[code], true
	}
	for _, code := range Codes() {
		if strings.ToLower(datums[code].Name) == key {
			return datums[code], true
		}
	}
	return Datum{}, false
}

// LookupGeoid resolves a geoid by name or alias, case-insensitively.
func LookupGeoid(name string) (Geoid, bool) {
	key := strings.TrimSpace(name)
	if g, ok := geoids[key]; ok {
		return g, true
	}
	lower := strings.ToLower(key)
	if canonical, ok := geoidAliases[lower]; ok {
		return geoids[canonical], true
	}
	for k, g := range geoids {
		if strings.ToLower(k) == lower {
			return g, true
		}
	}
	return Geoid{}, false
}

// Codes returns every registered EPSG code in ascending order.
func Codes() []int {
	codes := make([]int, 0, len(datums))
	for code := range datums {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	return codes
}

// ByClass returns the registered datums of one class ordered by code.
func ByClass(c Class) []Datum {
	var out []Datum
	for _, code := range Codes() {
		if d := datums[code]; d.Class == c {
			out = append(out, d)
		}
	}
	return out
}

// Geoids returns the registered geoid models ordered by name.
func Geoids() []Geoid {
	out := make([]Geoid, 0, len(geoids))
	for _, g := range geoids {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DatasetUncertainty returns the table uncertainty for a catalog dataset, or 0
// when the dataset carries no nominal value.
func DatasetUncertainty(dataset string) float64 {
	if g, ok := LookupGeoid(dataset); ok {
		return g.Uncertainty
	}
	return 0
}
