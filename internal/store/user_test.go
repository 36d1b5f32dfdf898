package store

import (
	"testing"

	"github.com/hearing-system/apiserver/types"
)

func TestDecodePreferences(t *testing.T) {
	defaults := types.DefaultPreferences()

	tests := []struct {
		name string
		data string
		want types.Preferences
	}{
		{name: "empty", data: "", want: defaults},
		{name: "stored", data: `{"email_notifications":true,"theme":"dark","language":"en"}`, want: types.Preferences{EmailNotifications: true, Theme: "dark", Language: "en"}},
		{name: "partial keeps defaults", data: `{"theme":"dark"}`, want: types.Preferences{Theme: "dark", Language: "ja"}},
		{name: "corrupt", data: `{"theme":`, want: defaults},
		{name: "wrong type", data: `{"theme":"dark","language":7}`, want: defaults},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodePreferences("taro@seig-boys.jp", []byte(tt.data)); got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}
