package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/rl1809/medistock/internal/core/domain"
	"github.com/rl1809/medistock/internal/port"
)

// InventoryService serves the stock snapshots consumed by map and terminal
// views. It never mutates state.
type InventoryService struct {
	store port.Store
}

func NewInventoryService(store port.Store) *InventoryService {
	return &InventoryService{store: store}
}

// DispenserStock lists positive stock, optionally for a single dispenser.
func (s *InventoryService) DispenserStock(ctx context.Context, dispenserID int64) ([]domain.StockLevel, error) {
	levels, err := s.store.ListStock(ctx, domain.StockFilter{DispenserID: dispenserID})
	if err != nil {
		return nil, fmt.Errorf("list stock: %w", err)
	}
	return levels, nil
}

// Suggestions lists where the patient can pick up medicines they still have
// pending, largest stock first.
func (s *InventoryService) Suggestions(ctx context.Context, patientID int64) ([]domain.StockLevel, error) {
	prescriptions, err := s.store.ListPrescriptions(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}

	var medicineIDs []int64
	for _, rx := range prescriptions {
		if rx.Pending() > 0 {
			medicineIDs = append(medicineIDs, rx.MedicineID)
		}
	}
	if len(medicineIDs) == 0 {
		return []domain.StockLevel{}, nil
	}

	levels, err := s.store.ListStock(ctx, domain.StockFilter{MedicineIDs: medicineIDs})
	if err != nil {
		return nil, fmt.Errorf("list stock: %w", err)
	}

	sortByStockDesc(levels)
	return levels, nil
}

func sortByStockDesc(levels []domain.StockLevel) {
	slices.SortStableFunc(levels, func(a, b domain.StockLevel) int {
		return b.Units - a.Units
	})
}
