package domain

import (
	"strings"
	"time"
)

// SizeStock — остаток одного размера.
type SizeStock struct {
	Size     string `json:"size"`
	Quantity int    `json:"quantity"`
}

// ColorVariation — цветовая вариация товара со своей сеткой размеров.
type ColorVariation struct {
	ColorName string      `json:"colorName"`
	HexCode   string      `json:"hexCode"`
	SizeStock []SizeStock `json:"sizeStock"`
	Available bool        `json:"available"`
}

// StockKind определяет, какое представление остатков авторитетно для товара.
type StockKind string

const (
	// StockKindFlat — только агрегат TotalStock, без разбивки по размерам.
	StockKindFlat StockKind = "flat"
	// StockKindSizes — legacy-разбивка size → quantity.
	StockKindSizes StockKind = "sizes"
	// StockKindVariations — color → size → quantity; legacy-размеры становятся производным кэшем.
	StockKindVariations StockKind = "variations"
)

// Product — документ каталога в части, которую трогает оформление заказа.
type Product struct {
	ID         string
	Name       string
	VendorID   string
	ImageURL   string
	XPReward   int
	Sizes      []SizeStock
	Variations []ColorVariation
	TotalStock int
	SalesCount int64
	ViewCount  int64
	UpdatedAt  time.Time
}

// StockCell адресует ячейку склада, из которой списывается позиция.
type StockCell struct {
	Kind  StockKind
	Color string
	Size  string
}

// ClaimLine — одна позиция атомарного списания.
type ClaimLine struct {
	ProductID string
	Cell      StockCell
	Quantity  int
}

// StockKind возвращает активное представление остатков.
func (p *Product) StockKind() StockKind {
	switch {
	case len(p.Variations) > 0:
		return StockKindVariations
	case len(p.Sizes) > 0:
		return StockKindSizes
	default:
		return StockKindFlat
	}
}

// RecomputeStock пересчитывает производные поля из авторитетного представления:
// legacy-размеры (для вариаций), флаги available и TotalStock.
// Отрицательные количества обрезаются до нуля.
func (p *Product) RecomputeStock() {
	switch p.StockKind() {
	case StockKindVariations:
		order := make([]string, 0)
		sums := make(map[string]int)
		total := 0
		for i := range p.Variations {
			v := &p.Variations[i]
			v.Available = false
			for j := range v.SizeStock {
				s := &v.SizeStock[j]
				if s.Quantity < 0 {
					s.Quantity = 0
				}
				if _, seen := sums[s.Size]; !seen {
					order = append(order, s.Size)
				}
				sums[s.Size] += s.Quantity
				total += s.Quantity
				if s.Quantity > 0 {
					v.Available = true
				}
			}
		}
		sizes := make([]SizeStock, 0, len(order))
		for _, size := range order {
			sizes = append(sizes, SizeStock{Size: size, Quantity: sums[size]})
		}
		p.Sizes = sizes
		p.TotalStock = total
	case StockKindSizes:
		total := 0
		for i := range p.Sizes {
			if p.Sizes[i].Quantity < 0 {
				p.Sizes[i].Quantity = 0
			}
			total += p.Sizes[i].Quantity
		}
		p.TotalStock = total
	default:
		if p.TotalStock < 0 {
			p.TotalStock = 0
		}
	}
}

// ResolveCell находит ячейку склада для размера и цвета из запроса и текущий остаток в ней.
//
// Цвет учитывается только у товаров с вариациями: размер должен существовать у этого цвета.
// Иначе проверяется legacy-разбивка по размерам (у вариаций это сумма по цветам), а если
// такого размера нет, позиция падает на плоский TotalStock. Ячейки legacy и плоского остатка
// у товара с более детальной разбивкой агрегатные: списание раскладывает их через Allocate.
func (p *Product) ResolveCell(size, color string) (StockCell, int, error) {
	kind := p.StockKind()
	if kind == StockKindVariations && strings.TrimSpace(color) != "" {
		v := p.variation(color)
		if v == nil {
			return StockCell{}, 0, p.stockError(ErrSizeUnavailableForColor, size, color)
		}
		for _, s := range v.SizeStock {
			if s.Size == size {
				return StockCell{Kind: StockKindVariations, Color: v.ColorName, Size: s.Size}, s.Quantity, nil
			}
		}
		return StockCell{}, 0, p.stockError(ErrSizeUnavailableForColor, size, color)
	}
	if kind != StockKindFlat {
		if qty, ok := p.legacySize(size); ok {
			return StockCell{Kind: StockKindSizes, Size: size}, qty, nil
		}
	}
	return StockCell{Kind: StockKindFlat, Size: size}, p.TotalStock, nil
}

// Allocate раскладывает qty единиц ячейки из ResolveCell по авторитетным ячейкам товара
// и сразу списывает их с p. Агрегатная ячейка разбирается по цветам и размерам в порядке
// каталога, так что TotalStock остаётся суммой разбивки. false — остатка не хватает, p не меняется.
func (p *Product) Allocate(cell StockCell, qty int) ([]ClaimLine, bool) {
	if qty <= 0 {
		return nil, false
	}
	if cell.Kind == p.StockKind() || cell.Kind == StockKindVariations {
		available, ok := p.Available(cell)
		if !ok || available < qty {
			return nil, false
		}
		p.Adjust(cell, -qty)
		return []ClaimLine{{ProductID: p.ID, Cell: cell.Normalized(), Quantity: qty}}, true
	}

	candidates := p.concreteCells(cell)
	total := 0
	for _, c := range candidates {
		total += c.Quantity
	}
	if total < qty {
		return nil, false
	}

	lines := make([]ClaimLine, 0, len(candidates))
	left := qty
	for _, c := range candidates {
		if left == 0 {
			break
		}
		take := min(c.Quantity, left)
		if take == 0 {
			continue
		}
		p.Adjust(c.Cell, -take)
		lines = append(lines, ClaimLine{ProductID: p.ID, Cell: c.Cell, Quantity: take})
		left -= take
	}
	return lines, true
}

// concreteCells перечисляет авторитетные ячейки под агрегатной: все размеры (или один размер
// у всех цветов) в порядке каталога.
func (p *Product) concreteCells(cell StockCell) []ClaimLine {
	var out []ClaimLine
	switch p.StockKind() {
	case StockKindVariations:
		for _, v := range p.Variations {
			for _, s := range v.SizeStock {
				if cell.Kind == StockKindSizes && s.Size != cell.Size {
					continue
				}
				out = append(out, ClaimLine{
					Cell:     StockCell{Kind: StockKindVariations, Color: v.ColorName, Size: s.Size},
					Quantity: s.Quantity,
				})
			}
		}
	case StockKindSizes:
		for _, s := range p.Sizes {
			out = append(out, ClaimLine{Cell: StockCell{Kind: StockKindSizes, Size: s.Size}, Quantity: s.Quantity})
		}
	}
	return out
}

func (p *Product) legacySize(size string) (int, bool) {
	if p.StockKind() == StockKindSizes {
		for _, s := range p.Sizes {
			if s.Size == size {
				return s.Quantity, true
			}
		}
		return 0, false
	}
	found := false
	total := 0
	for _, v := range p.Variations {
		for _, s := range v.SizeStock {
			if s.Size == size {
				found = true
				total += s.Quantity
			}
		}
	}
	return total, found
}

// Available возвращает остаток в ячейке; false, если ячейки у товара нет.
func (p *Product) Available(cell StockCell) (int, bool) {
	switch cell.Kind {
	case StockKindVariations:
		v := p.variation(cell.Color)
		if v == nil {
			return 0, false
		}
		for _, s := range v.SizeStock {
			if s.Size == cell.Size {
				return s.Quantity, true
			}
		}
		return 0, false
	case StockKindSizes:
		if p.StockKind() != StockKindSizes {
			return 0, false
		}
		for _, s := range p.Sizes {
			if s.Size == cell.Size {
				return s.Quantity, true
			}
		}
		return 0, false
	case StockKindFlat:
		if p.StockKind() != StockKindFlat {
			return 0, false
		}
		return p.TotalStock, true
	default:
		return 0, false
	}
}

// Adjust применяет delta к ячейке (с полом в ноль) и пересчитывает агрегаты.
func (p *Product) Adjust(cell StockCell, delta int) bool {
	switch cell.Kind {
	case StockKindVariations:
		v := p.variation(cell.Color)
		if v == nil {
			return false
		}
		for j := range v.SizeStock {
			if v.SizeStock[j].Size == cell.Size {
				v.SizeStock[j].Quantity = clampZero(v.SizeStock[j].Quantity + delta)
				p.RecomputeStock()
				return true
			}
		}
		return false
	case StockKindSizes:
		for j := range p.Sizes {
			if p.Sizes[j].Size == cell.Size {
				p.Sizes[j].Quantity = clampZero(p.Sizes[j].Quantity + delta)
				p.RecomputeStock()
				return true
			}
		}
		return false
	case StockKindFlat:
		p.TotalStock = clampZero(p.TotalStock + delta)
		return true
	default:
		return false
	}
}

// Clone возвращает глубокую копию, чтобы хранилища не делили слайсы с вызывающим кодом.
func (p Product) Clone() Product {
	out := p
	if p.Sizes != nil {
		out.Sizes = append([]SizeStock(nil), p.Sizes...)
	}
	if p.Variations != nil {
		out.Variations = make([]ColorVariation, len(p.Variations))
		for i, v := range p.Variations {
			v.SizeStock = append([]SizeStock(nil), v.SizeStock...)
			out.Variations[i] = v
		}
	}
	return out
}

func (p *Product) variation(color string) *ColorVariation {
	for i := range p.Variations {
		if strings.EqualFold(p.Variations[i].ColorName, strings.TrimSpace(color)) {
			return &p.Variations[i]
		}
	}
	return nil
}

func (p *Product) stockError(kind error, size, color string) *StockError {
	return &StockError{
		Kind:        kind,
		ProductID:   p.ID,
		ProductName: p.Name,
		Size:        size,
		Color:       color,
	}
}

func clampZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// Normalized возвращает ячейку без несущественных полей: у плоского остатка
// размер не влияет на то, откуда списывается количество.
func (c StockCell) Normalized() StockCell {
	if c.Kind == StockKindFlat {
		return StockCell{Kind: StockKindFlat}
	}
	return c
}

// MergeClaimLines схлопывает позиции, попадающие в одну ячейку склада,
// сохраняя порядок первого появления.
func MergeClaimLines(lines []ClaimLine) []ClaimLine {
	type cellKey struct {
		productID string
		cell      StockCell
	}
	index := make(map[cellKey]int, len(lines))
	out := make([]ClaimLine, 0, len(lines))
	for _, line := range lines {
		key := cellKey{productID: line.ProductID, cell: line.Cell.Normalized()}
		if i, ok := index[key]; ok {
			out[i].Quantity += line.Quantity
			continue
		}
		index[key] = len(out)
		out = append(out, line)
	}
	return out
}

// CheckClaim проверяет, что ячейка всё ещё существует и остатка в ней хватает на qty.
// Отказ помечается как Race: значит, склад изменился после проверки.
func (p *Product) CheckClaim(cell StockCell, qty int) error {
	available, ok := p.Available(cell)
	if !ok {
		kind := ErrSizeUnavailable
		if cell.Kind == StockKindVariations {
			kind = ErrSizeUnavailableForColor
		}
		err := p.stockError(kind, cell.Size, cell.Color)
		err.Race = true
		return err
	}
	if available < qty {
		err := p.stockError(ErrInsufficientStock, cell.Size, cell.Color)
		err.Requested = qty
		err.Available = available
		err.Race = true
		return err
	}
	return nil
}
