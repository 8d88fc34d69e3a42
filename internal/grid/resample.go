package grid

import "math"

// Resample samples values (and optionally sigma) at every cell center of dst.
// A cell is resolved only when values has data there and include, if non-nil,
// accepts the point. Uncertainty comes from sigma where it has data, otherwise
// from constSigma.
func Resample(values, sigma *Raster, constSigma float64, dst Region, include func(lon, lat float64) bool) Surface {
	out := NewSurface(dst)
	if !overlaps(values.Region, dst) {
		return out
	}
	for row := 0; row < dst.NY; row++ {
		for col := 0; col < dst.NX; col++ {
			lon, lat := dst.CellCenter(col, row)
			if include != nil && !include(lon, lat) {
				continue
			}
			v, ok := values.Sample(lon, lat)
			if !ok {
				continue
			}
			s := constSigma
			if sigma != nil {
				if sv, ok := sigma.Sample(lon, lat); ok {
					s = math.Abs(sv)
				}
			}
			out.Set(dst.Index(col, row), v, s)
		}
	}
	return out
}

// overlaps is a coarse extent test that also accounts for 0..360 longitudes.
func overlaps(src, dst Region) bool {
	if dst.South > src.North || dst.North < src.South {
		return false
	}
	for _, shift := range []float64{0, 360, -360} {
		if dst.West+shift <= src.East && dst.East+shift >= src.West {
			return true
		}
	}
	return false
}
