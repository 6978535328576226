package draft

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
)

func acmeRecord() entity.ReceiptRecord {
	vendor := "Acme Market"
	total := decimal.RequireFromString("42.5")
	date := entity.NewDate(2024, 3, 1)
	return entity.ReceiptRecord{
		ID:           "r-1",
		Status:       constants.ReceiptStatusCompleted,
		OCRCompleted: true,
		Vendor:       &vendor,
		Total:        &total,
		Date:         &date,
		LineItems:    []entity.LineItem{{Description: "Milk", Amount: decimal.RequireFromString("3.5")}},
	}
}

func fieldErrors(t *testing.T, err error) map[string]string {
	t.Helper()
	var ve common.ValidationErrors
	require.True(t, errors.As(err, &ve), "expected ValidationErrors, got %v", err)
	return ve.Fields()
}

func TestSeedFromRecord(t *testing.T) {
	d := Seed(acmeRecord())
	v := d.Values()
	assert.Equal(t, "r-1", d.RecordID())
	assert.Equal(t, "Acme Market", v.Vendor)
	assert.Equal(t, "42.50", v.Amount)
	assert.Equal(t, "2024-03-01", v.Date)
	assert.Equal(t, []LineItem{{Description: "Milk", Amount: "3.50"}}, v.Items)
	assert.False(t, d.IsDirty())
	assert.False(t, d.CanCommit())
}

func TestFinerExtractedAmountsAreOfferedInCents(t *testing.T) {
	rec := acmeRecord()
	total := decimal.RequireFromString("1.239")
	rec.Total = &total
	rec.LineItems = []entity.LineItem{{Description: "Milk", Amount: decimal.RequireFromString("0.125")}}

	d := Seed(rec)
	assert.Equal(t, "1.24", d.Values().Amount)
	assert.Equal(t, "0.13", d.Values().Items[0].Amount)
	assert.True(t, d.IsDirty())
	require.NoError(t, d.Validate())
	assert.True(t, d.CanCommit())

	require.NoError(t, d.SetAmount("2.00"))
	d.Reset()
	assert.Equal(t, "1.24", d.Values().Amount)

	corr, err := d.Correction()
	require.NoError(t, err)
	assert.True(t, corr.Total.Equal(decimal.RequireFromString("1.24")))
}

func TestDirtyTrackingAndReset(t *testing.T) {
	d := Seed(acmeRecord())
	require.NoError(t, d.SetAmount("45.00"))
	assert.True(t, d.IsDirty())
	assert.True(t, d.CanCommit())

	require.NoError(t, d.SetAmount("42.50"))
	assert.False(t, d.IsDirty(), "restoring the seed value makes the draft clean again")

	require.NoError(t, d.SetVendor("Other"))
	_, err := d.AddLineItem("Bread", "2.00")
	require.NoError(t, err)
	d.Reset()
	assert.False(t, d.IsDirty())
	assert.Equal(t, d.SeedValues(), d.Values())
}

func TestValidateBlocksInvalidInput(t *testing.T) {
	cases := []struct {
		name   string
		vendor string
		amount string
		field  string
		msg    string
	}{
		{"non-numeric amount", "Acme", "abc", FieldAmount, "must be a number"},
		{"negative amount", "Acme", "-1.00", FieldAmount, "must not be negative"},
		{"blank vendor", "   ", "1.00", FieldVendor, "is required"},
		{"blank amount", "Acme", "", FieldAmount, "is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Blank("r-1")
			_ = d.SetVendor(tc.vendor)
			_ = d.SetAmount(tc.amount)
			err := d.Validate()
			require.Error(t, err)
			assert.Equal(t, tc.msg, fieldErrors(t, err)[tc.field])
			assert.False(t, d.CanCommit())
			_, err = d.Correction()
			assert.ErrorIs(t, err, common.ErrValidation)
			assert.Equal(t, tc.amount, d.Values().Amount, "input is never coerced")
		})
	}
}

func TestValidateAcceptsZeroAndTwoPlaces(t *testing.T) {
	for _, amount := range []string{"0", "0.00", "45.00", "12.3"} {
		d := Blank("r-1")
		_ = d.SetVendor("Acme")
		require.NoError(t, d.SetAmount(amount))
		assert.NoError(t, d.Validate(), amount)
	}
}

func TestImmediateFieldValidation(t *testing.T) {
	d := Blank("r-1")
	assert.NoError(t, d.SetVendor(""), "blank vendor is only rejected at commit")
	err := d.SetAmount("12,50")
	require.Error(t, err)
	assert.Equal(t, "must be a number", fieldErrors(t, err)[FieldAmount])

	err = d.SetDate("2023-02-29")
	require.Error(t, err)
	assert.Contains(t, fieldErrors(t, err)[FieldDate], "valid date")
	assert.NoError(t, d.SetDate("2024-02-29"))
}

func TestLineItems(t *testing.T) {
	d := Seed(acmeRecord())
	i, err := d.AddLineItem("Eggs", "4.25")
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	_, err = d.AddLineItem("Bad", "x")
	require.Error(t, err)
	assert.Equal(t, "must be a number", fieldErrors(t, err)["items[2].amount"])

	require.NoError(t, d.RemoveLineItem(2))
	require.NoError(t, d.RemoveLineItem(0))
	assert.Equal(t, []LineItem{{Description: "Eggs", Amount: "4.25"}}, d.Values().Items)
	assert.Error(t, d.RemoveLineItem(5))
	assert.Error(t, d.SetLineItem(3, "x", "1"))

	_, err = d.AddLineItem("", "1.00")
	require.NoError(t, err)
	assert.Equal(t, "is required", fieldErrors(t, d.Validate())["items[1].description"])
}

func TestCorrection(t *testing.T) {
	d := Seed(acmeRecord())
	require.NoError(t, d.SetAmount("45.00"))
	require.NoError(t, d.SetCategory("groceries"))
	require.NoError(t, d.SetNotes("  "))

	corr, err := d.Correction()
	require.NoError(t, err)
	assert.True(t, corr.ManuallyEdited)
	assert.Equal(t, "Acme Market", *corr.Vendor)
	assert.True(t, corr.Total.Equal(decimal.RequireFromString("45")))
	assert.Equal(t, "2024-03-01", corr.Date.String())
	assert.Equal(t, string(constants.Food), *corr.Category)
	assert.Nil(t, corr.Notes)
	require.Len(t, corr.LineItems, 1)
	assert.Equal(t, "Milk", corr.LineItems[0].Description)

	require.NoError(t, d.SetCategory("Team offsite"))
	corr, err = d.Correction()
	require.NoError(t, err)
	assert.Equal(t, "Team offsite", *corr.Category)

	require.NoError(t, d.SetCategory(strings.Repeat("x", 65)))
	assert.Equal(t, "must be at most 64 characters", fieldErrors(t, d.Validate())["category"])
}

func TestServerErrorsAttachAndClear(t *testing.T) {
	d := Seed(acmeRecord())
	d.SetServerErrors(map[string]string{"vendor_name": "vendor is blocked", "total": "exceeds approval limit"})
	assert.Equal(t, "vendor is blocked", d.FieldError(FieldVendor))
	assert.Equal(t, "exceeds approval limit", d.FieldError(FieldAmount))
	assert.Len(t, d.ServerErrors(), 2)

	require.NoError(t, d.SetVendor("Acme Co"))
	assert.Equal(t, "", d.FieldError(FieldVendor))
	assert.Len(t, d.ServerErrors(), 1)
}

func TestBlankDraftIsManualEntry(t *testing.T) {
	d := Blank("r-9")
	assert.True(t, d.ManualEntry())
	assert.Equal(t, Values{}, d.Values())
	assert.False(t, d.CanCommit())
	_ = d.SetVendor("Hardware Store")
	_ = d.SetAmount("10")
	assert.True(t, d.CanCommit())
}

func TestDeskOneDraftPerRecord(t *testing.T) {
	desk := NewDesk()
	first, err := desk.Open(Seed(acmeRecord()), false)
	require.NoError(t, err)

	_, err = desk.Open(Seed(acmeRecord()), false)
	require.NoError(t, err, "a clean draft may be replaced")

	current, _ := desk.Get("r-1")
	require.NoError(t, current.SetAmount("1.00"))

	existing, err := desk.Open(Seed(acmeRecord()), false)
	assert.ErrorIs(t, err, ErrDirtyDraft)
	assert.Same(t, current, existing)
	assert.NotSame(t, first, existing)

	replaced, err := desk.Open(Seed(acmeRecord()), true)
	require.NoError(t, err)
	assert.False(t, replaced.IsDirty())

	assert.True(t, desk.Discard("r-1"))
	assert.False(t, desk.Discard("r-1"))

	_, _ = desk.Open(Blank("a"), false)
	_, _ = desk.Open(Blank("b"), false)
	assert.Equal(t, 2, desk.DiscardAll())
	assert.Equal(t, 0, desk.Len())
}
