package ballot

import (
	"fmt"

	"urna/cmd/internal/authority"
)

// NumberWidth is the number of digits in a candidate's ballot number.
const NumberWidth = 2

// Category is one office on the ballot with its eligible candidates.
type Category struct {
	ID         string
	Name       string
	Candidates []authority.Candidate
}

// Lookup finds the candidate with the given ballot number.
func (c Category) Lookup(number string) (authority.Candidate, bool) {
	for _, cand := range c.Candidates {
		if cand.Number == number {
			return cand, true
		}
	}
	return authority.Candidate{}, false
}

// BuildCategories orders the election's categories and attaches candidates by office.
// Every category name of the election yields a category, even when no candidate matches.
func BuildCategories(e authority.Election, candidates []authority.Candidate) ([]Category, error) {
	if len(e.Categories) == 0 {
		return nil, ErrNoCategories
	}

	byOffice := make(map[string][]authority.Candidate)
	for _, c := range candidates {
		k := authority.CategoryEnum(c.Office)
		byOffice[k] = append(byOffice[k], c)
	}

	out := make([]Category, 0, len(e.Categories))
	for i, name := range e.Categories {
		cands := byOffice[authority.CategoryEnum(name)]
		seen := make(map[string]bool, len(cands))
		for _, c := range cands {
			if !validNumber(c.Number) {
				return nil, fmt.Errorf("%w: %s number %q", ErrInvalidNumber, name, c.Number)
			}
			if seen[c.Number] {
				return nil, fmt.Errorf("%w: %s number %s", ErrDuplicateNumber, name, c.Number)
			}
			seen[c.Number] = true
		}
		out = append(out, Category{
			ID:         authority.CategoryID(e.ID, name, i),
			Name:       name,
			Candidates: cands,
		})
	}
	return out, nil
}

// validNumber reports whether n is exactly NumberWidth ASCII digits, the only
// numbers a voter can type on the keypad.
func validNumber(n string) bool {
	if len(n) != NumberWidth {
		return false
	}
	for i := 0; i < len(n); i++ {
		if n[i] < '0' || n[i] > '9' {
			return false
		}
	}
	return true
}
