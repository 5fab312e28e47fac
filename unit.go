// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

// Unit is a type not containing any value (analogous to an
// explicit `void` type in C and C++).
//
// Use this type to construct [Signal] instances that carry no
// payload, such as disconnect notifications.
type Unit struct{}
