package services

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"circulation/internal/repositories"
)

// ─── Catalog Inventory ────────────────────────────────────────────────────────

// Inventory gates borrow and return on per-title copy counters. Its methods
// run inside the caller's transaction; an error means the caller must roll
// back, which undoes any partial reservation in the same batch.
type Inventory struct {
	titles repositories.TitleRepository
	log    *zap.Logger
}

func NewInventory(titles repositories.TitleRepository, log *zap.Logger) *Inventory {
	return &Inventory{titles: titles, log: log.Named("inventory")}
}

// Reserve decrements available copies for every title in the request, or
// fails with ErrInsufficientCopies. Titles are visited in id order so that
// concurrent batches lock rows in the same order.
func (inv *Inventory) Reserve(tx *gorm.DB, quantities map[uuid.UUID]int) error {
	if len(quantities) == 0 {
		return ErrEmptyRequest
	}
	for _, id := range sortedIDs(quantities) {
		qty := quantities[id]
		if qty <= 0 {
			return ErrInvalidQuantity
		}
		ok, err := inv.titles.Reserve(tx, id, qty)
		if err != nil {
			return fmt.Errorf("reserve title %s: %w", id, err)
		}
		if ok {
			continue
		}
		// Distinguish a missing title from an empty shelf.
		if _, err := inv.titles.GetByID(tx, id); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTitleNotFound
			}
			return err
		}
		inv.log.Info("Reserve: insufficient copies",
			zap.String("title_id", id.String()), zap.Int("requested", qty))
		return ErrInsufficientCopies
	}
	return nil
}

// Release returns quantity copies of a title to the shelf. A release that
// would exceed the title's total is clamped to the total and logged as an
// inventory inconsistency; the caller's transition still goes through.
func (inv *Inventory) Release(tx *gorm.DB, titleID uuid.UUID, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	ok, err := inv.titles.Release(tx, titleID, quantity)
	if err != nil {
		return fmt.Errorf("release title %s: %w", titleID, err)
	}
	if ok {
		return nil
	}
	title, err := inv.titles.GetByID(tx, titleID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTitleNotFound
		}
		return err
	}
	if err := inv.titles.ClampAvailable(tx, titleID); err != nil {
		return fmt.Errorf("clamp title %s: %w", titleID, err)
	}
	inv.log.Error("Release: available copies would exceed total, clamped",
		zap.String("title_id", titleID.String()), zap.Int("quantity", quantity),
		zap.Int("available", title.AvailableCopies), zap.Int("total", title.TotalCopies),
		zap.Error(ErrInventoryInconsistent))
	return nil
}

func sortedIDs(m map[uuid.UUID]int) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
