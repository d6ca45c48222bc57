package fetch

import "testing"

func TestPageActionValidate(t *testing.T) {
	t.Parallel()

	valid := []PageAction{
		{Type: ActionWait},
		{Type: ActionScreenshot, FullPage: true},
		{Type: ActionScroll},
		{Type: ActionScroll, Selector: "#footer"},
		{Type: ActionClick, Selector: "#submit"},
		{Type: ActionHover, Selector: ".menu"},
		{Type: ActionWaitForSelector, Selector: ".loaded"},
		{Type: ActionFill, Selector: "#q", Value: "query"},
		{Type: ActionSelect, Selector: "#country", Value: "DE"},
		{Type: ActionPress, Value: "Enter"},
	}
	for _, a := range valid {
		if err := a.Validate(); err != nil {
			t.Errorf("Validate(%+v) = %v, want nil", a, err)
		}
	}

	invalid := []PageAction{
		{Type: "explode"},
		{Type: ActionClick},
		{Type: ActionHover},
		{Type: ActionWaitForSelector},
		{Type: ActionFill, Selector: "#q"},
		{Type: ActionFill, Value: "query"},
		{Type: ActionSelect, Selector: "#country"},
		{Type: ActionPress},
	}
	for _, a := range invalid {
		if err := a.Validate(); err == nil {
			t.Errorf("Validate(%+v) = nil, want error", a)
		}
	}
}
