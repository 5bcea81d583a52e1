package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpcall/internal/protocol"
)

func TestLookup(t *testing.T) {
	users := []protocol.User{
		{Identity: "u1", DisplayName: "alice"},
		{Identity: "u2", DisplayName: "Bob"},
		{Identity: "u3", DisplayName: "sam"},
		{Identity: "u4", DisplayName: "Sam"},
	}

	tests := []struct {
		who     string
		want    string
		wantErr string
	}{
		{who: "u1", want: "u1"},
		{who: "bob", want: "u2"},
		{who: "sam", wantErr: "2 users are called sam"},
		{who: "dave", wantErr: "dave is not online"},
	}
	for _, tt := range tests {
		t.Run(tt.who, func(t *testing.T) {
			u, err := lookup(users, tt.who)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, u.Identity)
		})
	}
}
