// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package pointers helps with optional values in JSON documents.
package pointers

// To returns a pointer to a copy of v
func To[T any](v T) *T {
	return &v
}

// Value returns the value ptr points to or the zero value if ptr is nil
func Value[T any](ptr *T) T {
	if ptr != nil {
		return *ptr
	}
	var zero T
	return zero
}

// ValueOr returns the value ptr points to or fallback if ptr is nil
func ValueOr[T any](ptr *T, fallback T) T {
	if ptr != nil {
		return *ptr
	}
	return fallback
}
