package entities

import (
	"strconv"

	"github.com/trymwestin/dailyconnect/internal/core/api"
	"github.com/trymwestin/dailyconnect/internal/core/state"
)

// Activity category codes.
const (
	CategorySignIn     = 101
	CategorySignOut    = 102
	CategoryPhoto      = 1000
	CategoryMedication = 1500
	CategoryPotty      = 2300
	CategoryNeed       = 3000
)

// Activity is one entry of status.list.
type Activity struct {
	Category int    `json:"category"`
	Text     string `json:"description"`
	Time     string `json:"time"`
	PhotoID  string `json:"photo_id,omitempty"`
}

// Activities parses status.list in upstream order. Entries that are not
// objects are skipped.
func Activities(c state.ChildSnapshot) []Activity {
	list, ok := c.Status["list"].([]any)
	if !ok {
		return nil
	}
	out := make([]Activity, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		cat, _ := strconv.Atoi(api.String(m["Cat"]))
		out = append(out, Activity{
			Category: cat,
			Text:     api.String(m["Txt"]),
			Time:     api.String(m["Utm"]),
			PhotoID:  api.String(m["Photo"]),
		})
	}
	return out
}

// ByCategory returns the activities with the given category code.
func ByCategory(c state.ChildSnapshot, cat int) []Activity {
	var out []Activity
	for _, a := range Activities(c) {
		if a.Category == cat {
			out = append(out, a)
		}
	}
	return out
}

// LatestPhotoID returns the photo of the newest activity carrying one,
// ignoring sign-in and sign-out pictures.
func LatestPhotoID(c state.ChildSnapshot) (string, bool) {
	acts := Activities(c)
	for i := len(acts) - 1; i >= 0; i-- {
		a := acts[i]
		if a.Category == CategorySignIn || a.Category == CategorySignOut {
			continue
		}
		if a.PhotoID != "" && a.PhotoID != "0" {
			return a.PhotoID, true
		}
	}
	return "", false
}
