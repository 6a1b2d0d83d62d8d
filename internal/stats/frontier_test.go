package stats

import (
	"context"
	"errors"
	"testing"
)

func TestEfficientFrontier(t *testing.T) {
	rows := []Record{
		{"label": txt("a"), "risk": num(0.101), "expected_return": num(0.05)},
		{"label": txt("b"), "risk": num(0.104), "expected_return": num(0.07)},
		{"label": txt("c"), "risk": num(0.2), "expected_return": num(0.09)},
		{"label": txt("d"), "risk": num(0.196), "expected_return": num(0.08)},
		{"label": txt("e"), "risk": NullValue(), "expected_return": num(0.5)},
		{"label": txt("f"), "risk": num(0.05), "expected_return": num(0.01)},
	}
	spec := FrontierSpec{Risk: "risk", Return: "expected_return", Label: "label", Precision: 2}
	points, err := EfficientFrontier(context.Background(), portfolioSchema, spec, FromSlice(rows))
	if err != nil {
		t.Fatalf("EfficientFrontier: %v", err)
	}
	want := []FrontierPoint{
		{Label: "f", Risk: 0.05, Return: 0.01},
		{Label: "b", Risk: 0.104, Return: 0.07},
		{Label: "c", Risk: 0.2, Return: 0.09},
	}
	if len(points) != len(want) {
		t.Fatalf("expected %d points, got %+v", len(want), points)
	}
	for i := range want {
		if points[i] != want[i] {
			t.Fatalf("point %d: expected %+v, got %+v", i, want[i], points[i])
		}
	}
}

func TestEfficientFrontierValidation(t *testing.T) {
	cases := []FrontierSpec{
		{Risk: "risk", Return: "expected_return", Precision: -1},
		{Risk: "risk", Return: "expected_return", Precision: 11},
		{Risk: "exchange", Return: "expected_return", Precision: 2},
		{Risk: "risk", Return: "missing", Precision: 2},
	}
	for _, spec := range cases {
		src := &countingSource{inner: FromSlice(returnsRows(1))}
		if _, err := EfficientFrontier(context.Background(), portfolioSchema, spec, src); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%+v: expected ErrInvalidRequest, got %v", spec, err)
		}
		if src.pulls != 0 {
			t.Fatalf("%+v: expected no rows consumed", spec)
		}
	}
}

func TestEfficientFrontierKeepsPortfolioRisk(t *testing.T) {
	rows := []Record{
		{"label": txt("only"), "risk": num(0.1234), "expected_return": num(0.5)},
		{"label": txt("wide"), "risk": num(0.26), "expected_return": num(0.4)},
	}
	spec := FrontierSpec{Risk: "risk", Return: "expected_return", Label: "label", Precision: 1}
	points, err := EfficientFrontier(context.Background(), portfolioSchema, spec, FromSlice(rows))
	if err != nil {
		t.Fatalf("EfficientFrontier: %v", err)
	}
	if len(points) != 2 || points[0].Risk != 0.1234 || points[1].Risk != 0.26 {
		t.Fatalf("expected unrounded risks in bucket order, got %+v", points)
	}
}
