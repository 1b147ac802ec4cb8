package main

import (
	"context"
	"fmt"

	"github.com/stratokit/stratodb/model"
)

// demoModels returns the two example models stratodbd registers so the
// demo HTTP surface has something to dispatch against: a plain document
// store (notes) and a derived counter that reacts to events rather than
// being written directly (counters).
func demoModels() []*model.Model {
	return []*model.Model{notesModel(), countersModel()}
}

// notesModel is a bare document collection: "note.create" inserts,
// "note.update" patches, "note.delete" removes. Its preprocessor only
// checks those three event types, requiring their data to be an object
// with a string id; every other event type passes through unchecked.
func notesModel() *model.Model {
	return &model.Model{
		Name: "notes",
		Preprocessor: func(c *model.Ctx) error {
			switch c.Event.Type {
			case "note.create", "note.update", "note.delete":
			default:
				return nil
			}
			data, ok := c.Event.Data.(model.Doc)
			if !ok {
				return fmt.Errorf("notes: event data must be an object")
			}
			if _, ok := data["id"].(string); !ok {
				return fmt.Errorf("notes: event data requires a string id")
			}
			return nil
		},
		Reducer: func(c *model.Ctx) (*model.Reduction, error) {
			data, _ := c.Event.Data.(model.Doc)
			switch c.Event.Type {
			case "note.create":
				return &model.Reduction{Ins: []model.Doc{data}}, nil
			case "note.update":
				id, _ := data["id"].(string)
				return &model.Reduction{Upd: []model.Update{{Id: id, Patch: data}}}, nil
			case "note.delete":
				id, _ := data["id"].(string)
				return &model.Reduction{Rm: []string{id}}, nil
			default:
				return nil, nil
			}
		},
	}
}

// countersModel derives a running count per key from "counter.incr"
// events — demonstrating a model driven entirely by reduction rather
// than by direct writes.
func countersModel() *model.Model {
	return &model.Model{
		Name: "counters",
		Reducer: func(c *model.Ctx) (*model.Reduction, error) {
			if c.Event.Type != "counter.incr" {
				return nil, nil
			}
			data, _ := c.Event.Data.(model.Doc)
			key, _ := data["key"].(string)
			if key == "" {
				return nil, fmt.Errorf("counters: counter.incr requires a key")
			}
			by := 1.0
			if n, ok := data["by"].(float64); ok {
				by = n
			}

			store := c.Store("counters")
			existing, ok, err := store.Get(context.Background(), key)
			if err != nil {
				return nil, err
			}
			count := by
			if ok {
				if n, ok := existing["count"].(float64); ok {
					count = n + by
				}
			}
			return &model.Reduction{Set: []model.Doc{{"id": key, "count": count}}}, nil
		},
	}
}
