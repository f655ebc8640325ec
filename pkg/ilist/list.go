// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ilist provides the implementation of intrusive linked lists.
package ilist

// Entry is embedded in an element once per list the element can be on.
//
// The zero value for Entry is an unlinked entry.
type Entry[T any] struct {
	next   *T
	prev   *T
	linked bool
}

// Linked returns true iff the entry is currently on a list.
func (e *Entry[T]) Linked() bool {
	return e.linked
}

// Linker maps an element to the Entry a particular list threads through.
type Linker[T any] func(*T) *Entry[T]

// List is an intrusive list. Entries can be added to or removed from the list
// in O(1) time and with no additional memory allocations.
//
// A List must be initialized with Init before use, since the same element
// type may be threaded through several lists at once.
//
// To iterate over a list (where l is a List):
//
//	for e := l.Front(); e != nil; e = l.Next(e) {
//		// do something with e.
//	}
type List[T any] struct {
	head   *T
	tail   *T
	length int
	link   Linker[T]
}

// Init resets list l to the empty state, threading through the entries
// returned by link.
func (l *List[T]) Init(link Linker[T]) {
	l.head = nil
	l.tail = nil
	l.length = 0
	l.link = link
}

// Empty returns true iff the list is empty.
func (l *List[T]) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
func (l *List[T]) Front() *T {
	return l.head
}

// Back returns the last element of list l or nil.
func (l *List[T]) Back() *T {
	return l.tail
}

// Len returns the number of elements in the list.
func (l *List[T]) Len() int {
	return l.length
}

// Next returns the element following e, or nil.
func (l *List[T]) Next(e *T) *T {
	return l.link(e).next
}

// Contains returns true iff e is linked through this list's entry. It does
// not distinguish between two lists sharing the same entry.
func (l *List[T]) Contains(e *T) bool {
	return l.link(e).linked
}

// PushFront inserts the element e at the front of list l.
func (l *List[T]) PushFront(e *T) {
	linker := l.link(e)
	if linker.linked {
		panic("ilist: element already linked")
	}
	linker.next = l.head
	linker.prev = nil
	linker.linked = true
	if l.head != nil {
		l.link(l.head).prev = e
	} else {
		l.tail = e
	}
	l.head = e
	l.length++
}

// PushBack inserts the element e at the back of list l.
func (l *List[T]) PushBack(e *T) {
	linker := l.link(e)
	if linker.linked {
		panic("ilist: element already linked")
	}
	linker.next = nil
	linker.prev = l.tail
	linker.linked = true
	if l.tail != nil {
		l.link(l.tail).next = e
	} else {
		l.head = e
	}
	l.tail = e
	l.length++
}

// Remove removes e from l. Removing an unlinked element is a no-op.
func (l *List[T]) Remove(e *T) {
	linker := l.link(e)
	if !linker.linked {
		return
	}
	prev := linker.prev
	next := linker.next

	if prev != nil {
		l.link(prev).next = next
	} else if l.head == e {
		l.head = next
	}

	if next != nil {
		l.link(next).prev = prev
	} else if l.tail == e {
		l.tail = prev
	}

	linker.next = nil
	linker.prev = nil
	linker.linked = false
	l.length--
}

// PopFront removes and returns the first element, or nil if l is empty.
func (l *List[T]) PopFront() *T {
	e := l.head
	if e != nil {
		l.Remove(e)
	}
	return e
}
