/*
Package catalog holds the read-only list of purchasable titles.

The catalog is loaded once at startup from a JSON array supplied by the
operator:

  [{"id": "1091500", "title": "Cyberpunk 2077", "price": 59.99, "isFree": false, "genre": "RPG"}]

Unknown fields are ignored. The ledger trusts IsFree over Price, so a title
flagged free with a non-zero price is kept as-is and only logged.
*/
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/chat997709/nexus/ledger"
)

var ErrTitleNotFound = errors.New("title not found")

type Catalog struct {
	titles map[ledger.TitleID]ledger.Title
	sorted []ledger.Title
}

// Load parses a catalog. Duplicate ids, empty ids and negative prices are
// rejected.
func Load(r io.Reader, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var titles []ledger.Title
	if err := json.NewDecoder(r).Decode(&titles); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := &Catalog{titles: make(map[ledger.TitleID]ledger.Title, len(titles))}
	for i, t := range titles {
		if t.ID == "" {
			return nil, fmt.Errorf("catalog entry %d: missing id", i)
		}
		if t.Price.IsNegative() {
			return nil, fmt.Errorf("catalog entry %s: negative price %s", t.ID, t.Price)
		}
		if _, dup := c.titles[t.ID]; dup {
			return nil, fmt.Errorf("catalog entry %s: duplicate id", t.ID)
		}
		if t.IsFree && !t.Price.IsZero() {
			logger.Warn("free title has a price; it will be granted without charge",
				zap.String("title_id", string(t.ID)),
				zap.String("price", t.Price.StringFixed(2)),
			)
		}
		c.titles[t.ID] = t
		c.sorted = append(c.sorted, t)
	}

	sort.SliceStable(c.sorted, func(i, j int) bool {
		return strings.ToLower(c.sorted[i].Name) < strings.ToLower(c.sorted[j].Name)
	})

	logger.Info("catalog loaded", zap.Int("titles", len(c.sorted)))
	return c, nil
}

func LoadFile(path string, logger *zap.Logger) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return Load(f, logger)
}

func (c *Catalog) Get(id ledger.TitleID) (ledger.Title, error) {
	t, ok := c.titles[id]
	if !ok {
		return ledger.Title{}, fmt.Errorf("%w: %s", ErrTitleNotFound, id)
	}
	return t, nil
}

// List returns every title sorted by name. An empty genre matches all.
func (c *Catalog) List(genre string) []ledger.Title {
	out := make([]ledger.Title, 0, len(c.sorted))
	for _, t := range c.sorted {
		if genre == "" || strings.EqualFold(t.Genre, genre) {
			out = append(out, t)
		}
	}
	return out
}

func (c *Catalog) Len() int { return len(c.sorted) }

// ByPrice returns every title cheapest first, ties broken by name.
func (c *Catalog) ByPrice() []ledger.Title {
	out := make([]ledger.Title, len(c.sorted))
	copy(out, c.sorted)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
