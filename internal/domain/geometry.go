package domain

// Rect - прямоугольник в координатах страницы или контейнера.
type Rect struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ContainsPoint сообщает, лежит ли точка внутри прямоугольника (границы включительно).
func (r Rect) ContainsPoint(x, y float64) bool {
	return x >= r.Left && x <= r.Left+r.Width && y >= r.Top && y <= r.Top+r.Height
}

// Contains сообщает, лежит ли other целиком внутри r.
func (r Rect) Contains(other Rect) bool {
	return r.ContainsPoint(other.Left, other.Top) &&
		r.ContainsPoint(other.Left+other.Width, other.Top+other.Height)
}

// Relative переводит other в координаты относительно r.
func (r Rect) Relative(other Rect) Rect {
	return Rect{
		Top:    other.Top - r.Top,
		Left:   other.Left - r.Left,
		Width:  other.Width,
		Height: other.Height,
	}
}
