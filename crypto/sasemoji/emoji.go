// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sasemoji maps short authentication string codes to the emoji
// defined in [Section 11.12.2.2.2 of the Spec].
//
// [Section 11.12.2.2.2 of the Spec]: https://spec.matrix.org/v1.9/client-server-api/#sas-method-emoji
package sasemoji

import (
	"fmt"

	"go.mau.fi/util/variationselector"
)

// Representation is a single emoji that may be shown to the user during SAS verification.
//
// The emoji and its index are fixed by the protocol and must match on both devices. The name is a
// stable lower-case identifier that can be used as a translation key.
type Representation struct {
	Emoji rune
	Name  string
}

// String returns the raw emoji exactly as it appears in the table.
func (r Representation) String() string {
	return string(r.Emoji)
}

// DisplayEmoji returns the emoji with an emoji variation selector added if the codepoint
// would otherwise be rendered as text (e.g. ☁ and ❤).
func (r Representation) DisplayEmoji() string {
	return variationselector.Add(string(r.Emoji))
}

var allEmojis = [64]Representation{
	{'🐶', "dog"},
	{'🐱', "cat"},
	{'🦁', "lion"},
	{'🐎', "horse"},
	{'🦄', "unicorn"},
	{'🐷', "pig"},
	{'🐘', "elephant"},
	{'🐰', "rabbit"},
	{'🐼', "panda"},
	{'🐓', "rooster"},
	{'🐧', "penguin"},
	{'🐢', "turtle"},
	{'🐟', "fish"},
	{'🐙', "octopus"},
	{'🦋', "butterfly"},
	{'🌷', "flower"},
	{'🌳', "tree"},
	{'🌵', "cactus"},
	{'🍄', "mushroom"},
	{'🌏', "globe"},
	{'🌙', "moon"},
	{'☁', "cloud"},
	{'🔥', "fire"},
	{'🍌', "banana"},
	{'🍎', "apple"},
	{'🍓', "strawberry"},
	{'🌽', "corn"},
	{'🍕', "pizza"},
	{'🎂', "cake"},
	{'❤', "heart"},
	{'☺', "smiley"},
	{'🤖', "robot"},
	{'🎩', "hat"},
	{'👓', "glasses"},
	{'🔧', "wrench"},
	{'🎅', "santa"},
	{'👍', "thumbsup"},
	{'☂', "umbrella"},
	{'⌛', "hourglass"},
	{'⏰', "clock"},
	{'🎁', "gift"},
	{'💡', "lightbulb"},
	{'📕', "book"},
	{'✏', "pencil"},
	{'📎', "paperclip"},
	{'✂', "scissors"},
	{'🔒', "lock"},
	{'🔑', "key"},
	{'🔨', "hammer"},
	{'☎', "telephone"},
	{'🏁', "flag"},
	{'🚂', "train"},
	{'🚲', "bicycle"},
	{'✈', "airplane"},
	{'🚀', "rocket"},
	{'🏆', "trophy"},
	{'⚽', "ball"},
	{'🎸', "guitar"},
	{'🎺', "trumpet"},
	{'🔔', "bell"},
	{'⚓', "anchor"},
	{'🎧', "headphone"},
	{'📁', "folder"},
	{'📌', "pin"},
}

// ForCode returns the emoji for the given 6-bit code. Codes outside [0, 63] return false.
func ForCode(code int) (Representation, bool) {
	if code < 0 || code >= len(allEmojis) {
		return Representation{}, false
	}
	return allEmojis[code], true
}

// All returns a copy of the whole emoji table, indexed by code.
func All() [64]Representation {
	return allEmojis
}

// SASBytesLength is the number of HKDF output bytes needed to derive the emoji and decimal SAS.
const SASBytesLength = 6

// FromSASBytes converts the first 42 bits of the SAS HKDF output into seven emoji.
func FromSASBytes(sasBytes []byte) (emojis [7]Representation, err error) {
	if len(sasBytes) < SASBytesLength {
		return emojis, fmt.Errorf("need at least %d SAS bytes, got %d", SASBytesLength, len(sasBytes))
	}
	sasNum := uint64(sasBytes[0])<<40 | uint64(sasBytes[1])<<32 | uint64(sasBytes[2])<<24 |
		uint64(sasBytes[3])<<16 | uint64(sasBytes[4])<<8 | uint64(sasBytes[5])
	for i := range emojis {
		// Right shift the number and then mask the lowest 6 bits.
		emojis[i] = allEmojis[(sasNum>>uint(48-(i+1)*6))&0b111111]
	}
	return emojis, nil
}

// Decimals converts the first 39 bits of the SAS HKDF output into the three numbers used by the
// decimal SAS method.
func Decimals(sasBytes []byte) ([3]int, error) {
	if len(sasBytes) < 5 {
		return [3]int{}, fmt.Errorf("need at least 5 SAS bytes, got %d", len(sasBytes))
	}
	return [3]int{
		(int(sasBytes[0])<<5 | int(sasBytes[1])>>3) + 1000,
		((int(sasBytes[1])&0x07)<<10 | int(sasBytes[2])<<2 | int(sasBytes[3])>>6) + 1000,
		((int(sasBytes[3])&0x3f)<<7 | int(sasBytes[4])>>1) + 1000,
	}, nil
}
