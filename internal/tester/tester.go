// Package tester holds small assertion helpers and fixtures shared by
// package tests.
package tester

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"codeloop/internal/project"
)

// Eq asserts that got == want using reflect.DeepEqual for non-comparable types.
func Eq[T any](t *testing.T, got, want T, msgAndArgs ...any) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		if len(msgAndArgs) > 0 {
			t.Fatalf("%v: got=%v want=%v", msgAndArgs[0], got, want)
		}
		t.Fatalf("got=%v want=%v", got, want)
	}
}

// True asserts that cond is true.
func True(t *testing.T, cond bool, msgAndArgs ...any) {
	t.Helper()
	if !cond {
		if len(msgAndArgs) > 0 {
			t.Fatalf("%v", msgAndArgs[0])
		}
		t.Fatalf("expected condition to be true")
	}
}

// NoErr asserts that err is nil.
func NoErr(t *testing.T, err error, msgAndArgs ...any) {
	t.Helper()
	if err != nil {
		if len(msgAndArgs) > 0 {
			t.Fatalf("%v: %v", msgAndArgs[0], err)
		}
		t.Fatalf("unexpected error: %v", err)
	}
}

// ErrIs asserts that err wraps target.
func ErrIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("error %v does not wrap %v", err, target)
	}
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s: %s", timeout, msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Project builds a project state from name/content pairs. The recipe is a
// one-line Dockerfile unless a "Dockerfile" pair is given.
func Project(pairs ...string) project.State {
	if len(pairs)%2 != 0 {
		panic("tester.Project: odd number of arguments")
	}
	s := project.State{
		BuildRecipe: "FROM python:3.12-slim\n",
		Files:       map[string]string{},
	}
	for i := 0; i < len(pairs); i += 2 {
		if pairs[i] == "Dockerfile" {
			s.BuildRecipe = pairs[i+1]
			continue
		}
		s.Files[pairs[i]] = pairs[i+1]
	}
	if len(s.Files) == 0 {
		s.Files["main.py"] = "print('hello')\n"
	}
	return s
}

// Task returns a task whose test conditions name the expected output.
func Task(want string) project.Task {
	return project.Task{
		Description:    "print " + want,
		TestConditions: "stdout contains " + strings.TrimSpace(want),
	}
}
