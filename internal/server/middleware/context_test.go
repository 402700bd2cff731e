package middleware

import (
	"context"
	"testing"
)

func TestWithSubject(t *testing.T) {
	ctx := WithSubject(context.Background(), 42, 3)
	id, ok := GetSubjectID(ctx)
	if !ok || id != 42 {
		t.Errorf("GetSubjectID = %d, %v; want 42, true", id, ok)
	}
	tv, ok := GetTokenVersion(ctx)
	if !ok || tv != 3 {
		t.Errorf("GetTokenVersion = %d, %v; want 3, true", tv, ok)
	}
}

func TestGetSubjectID_Missing(t *testing.T) {
	if _, ok := GetSubjectID(context.Background()); ok {
		t.Error("GetSubjectID on empty context: want false")
	}
	if _, ok := GetSubjectID(WithSubject(context.Background(), 0, 0)); ok {
		t.Error("GetSubjectID with zero id: want false")
	}
	if _, ok := GetTokenVersion(context.Background()); ok {
		t.Error("GetTokenVersion on empty context: want false")
	}
}
