// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sasemoji_test

import (
	"fmt"
	"testing"

	"github.com/rivo/uniseg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix-keybackup/crypto/sasemoji"
)

func TestForCode_Total(t *testing.T) {
	seen := map[rune]int{}
	for code := 0; code < 64; code++ {
		emoji, ok := sasemoji.ForCode(code)
		require.True(t, ok, "code %d", code)
		assert.NotZero(t, emoji.Emoji, "code %d", code)
		assert.NotEmpty(t, emoji.Name, "code %d", code)
		assert.Equal(t, 1, uniseg.GraphemeClusterCount(emoji.String()), "code %d", code)
		if prev, dup := seen[emoji.Emoji]; dup {
			t.Errorf("code %d has the same emoji as code %d", code, prev)
		}
		seen[emoji.Emoji] = code
	}
	assert.Len(t, seen, 64)
}

func TestForCode_OutOfRange(t *testing.T) {
	for _, code := range []int{-1, 64, 65, 1 << 20, -1 << 20} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			emoji, ok := sasemoji.ForCode(code)
			assert.False(t, ok)
			assert.Zero(t, emoji)
		})
	}
}

func TestForCode_KnownEntries(t *testing.T) {
	testCases := []struct {
		code  int
		emoji string
		name  string
	}{
		{0, "🐶", "dog"},
		{21, "☁", "cloud"},
		{29, "❤", "heart"},
		{36, "👍", "thumbsup"},
		{41, "💡", "lightbulb"},
		{61, "🎧", "headphone"},
		{63, "📌", "pin"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			emoji, ok := sasemoji.ForCode(tc.code)
			require.True(t, ok)
			assert.Equal(t, tc.emoji, emoji.String())
			assert.Equal(t, tc.name, emoji.Name)
		})
	}
}

func TestAll_IsCopy(t *testing.T) {
	all := sasemoji.All()
	all[0].Name = "changed"
	emoji, _ := sasemoji.ForCode(0)
	assert.Equal(t, "dog", emoji.Name)
}

func TestDisplayEmoji(t *testing.T) {
	cloud, _ := sasemoji.ForCode(21)
	assert.Equal(t, "\u2601\ufe0f", cloud.DisplayEmoji())
	assert.Equal(t, "☁", cloud.String())
	dog, _ := sasemoji.ForCode(0)
	assert.Equal(t, "🐶", dog.DisplayEmoji())
}

func TestFromSASBytes(t *testing.T) {
	t.Run("zero", func(t *testing.T) {
		emojis, err := sasemoji.FromSASBytes(make([]byte, 6))
		require.NoError(t, err)
		for _, emoji := range emojis {
			assert.Equal(t, "dog", emoji.Name)
		}
	})
	t.Run("max", func(t *testing.T) {
		emojis, err := sasemoji.FromSASBytes([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
		require.NoError(t, err)
		for _, emoji := range emojis {
			assert.Equal(t, "pin", emoji.Name)
		}
	})
	t.Run("sequence", func(t *testing.T) {
		var sasNum uint64
		for i := 0; i < 7; i++ {
			sasNum |= uint64(i+1) << (48 - (i+1)*6)
		}
		sasBytes := []byte{
			byte(sasNum >> 40), byte(sasNum >> 32), byte(sasNum >> 24),
			byte(sasNum >> 16), byte(sasNum >> 8), byte(sasNum),
		}
		emojis, err := sasemoji.FromSASBytes(sasBytes)
		require.NoError(t, err)
		expected := []string{"cat", "lion", "horse", "unicorn", "pig", "elephant", "rabbit"}
		for i, emoji := range emojis {
			assert.Equal(t, expected[i], emoji.Name)
		}
	})
	t.Run("short", func(t *testing.T) {
		_, err := sasemoji.FromSASBytes([]byte{1, 2, 3})
		assert.Error(t, err)
	})
}

func TestDecimals(t *testing.T) {
	decimals, err := sasemoji.Decimals(make([]byte, 5))
	require.NoError(t, err)
	assert.Equal(t, [3]int{1000, 1000, 1000}, decimals)

	decimals, err = sasemoji.Decimals([]byte{0xff, 0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)
	assert.Equal(t, [3]int{9191, 9191, 9191}, decimals)

	_, err = sasemoji.Decimals([]byte{0xff})
	assert.Error(t, err)
}
