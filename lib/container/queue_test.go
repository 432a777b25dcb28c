package container

import (
	"reflect"
	"testing"
)

func TestUniqueQueue(t *testing.T) {
	taskA := "c9l3pqrd0fqh6rd0ei10"
	taskB := "c9l3pqrd0fqh6rd0ei1g"
	tasks := []string{taskA, taskB, taskA}
	q := NewUniqueQueue[string]()
	for _, w := range tasks {
		q.Push(w)
	}
	if q.Len() != 2 {
		t.Fatalf("len: got %v, want %v", q.Len(), 2)
	}
	got := make([]string, 0)
	for {
		v, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	want := []string{taskA, taskB}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got: %v, want: %v", got, want)
	}
}

func TestUniqueQueueRemove(t *testing.T) {
	taskA := "c9l3pqrd0fqh6rd0ei10"
	taskB := "c9l3pqrd0fqh6rd0ei1g"
	tasks := []string{taskA, taskB}
	q := NewUniqueQueue[string]()
	for _, w := range tasks {
		q.Push(w)
	}
	for _, w := range tasks {
		removed := q.Remove(w)
		if !removed {
			t.Fatalf("%v wasn't removed", w)
		}
		if q.Has(w) {
			t.Fatalf("%v should be removed", w)
		}
	}
	if q.Remove(taskA) {
		t.Fatalf("%v shouldn't be removed twice", taskA)
	}
	if q.Len() != 0 {
		t.Fatalf("len: got %v, want 0", q.Len())
	}
	v, ok := q.Pop()
	if ok {
		t.Fatalf("queue should be empty, got %v", v)
	}
}

func TestUniqueQueueRevive(t *testing.T) {
	q := NewUniqueQueue[int]()
	q.Push(1)
	q.Push(2)
	q.Remove(1)
	q.Push(1)
	got := []int{}
	for {
		v, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	// a revived value keeps its place.
	want := []int{1, 2}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got: %v, want: %v", got, want)
	}
}
