package repository

import (
	"reflect"
	"testing"
)

func TestBuildSelect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		opts     SelectOptions
		wantSQL  string
		wantArgs []interface{}
		wantErr  bool
	}{
		{
			name: "claim batch",
			opts: SelectOptions{
				Table:      "submissions",
				Columns:    []string{"id"},
				Filters:    []Filter{{Field: "status", Operator: OpEqual, Value: "PENDING"}},
				Sort:       []SortField{{Field: "created_at"}},
				Limit:      8,
				ForUpdate:  true,
				SkipLocked: true,
			},
			wantSQL:  "SELECT id FROM submissions WHERE status = ? ORDER BY created_at ASC LIMIT ? FOR UPDATE SKIP LOCKED",
			wantArgs: []interface{}{"PENDING", 8},
		},
		{
			name: "in and null checks",
			opts: SelectOptions{
				Table: "submissions",
				Filters: []Filter{
					{Field: "id", Operator: OpIn, Value: []interface{}{"a", "b"}},
					{Field: "worker_id", Operator: OpIsNull},
					{Field: "attempts", Operator: OpLessThan, Value: 3},
				},
			},
			wantSQL:  "SELECT * FROM submissions WHERE id IN (?, ?) AND worker_id IS NULL AND attempts < ?",
			wantArgs: []interface{}{"a", "b", 3},
		},
		{
			name:     "empty in matches nothing",
			opts:     SelectOptions{Table: "t", Filters: []Filter{{Field: "id", Operator: OpIn, Value: []interface{}{}}}},
			wantSQL:  "SELECT * FROM t WHERE 1 = 0",
			wantArgs: nil,
		},
		{name: "skip locked without lock", opts: SelectOptions{Table: "t", SkipLocked: true}, wantErr: true},
		{name: "missing table", opts: SelectOptions{}, wantErr: true},
		{name: "bad operator", opts: SelectOptions{Table: "t", Filters: []Filter{{Field: "a", Operator: "LIKE", Value: "x"}}}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sql, args, err := tt.opts.BuildSelect()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sql != tt.wantSQL {
				t.Fatalf("expected %q, got %q", tt.wantSQL, sql)
			}
			if !reflect.DeepEqual(args, tt.wantArgs) {
				t.Fatalf("expected args %v, got %v", tt.wantArgs, args)
			}
		})
	}
}
