package gwcore

import (
	"bytes"
	"testing"
)

func TestFeatureTableGet(t *testing.T) {
	// S4: assigned address 1.2.3 -> IndividualAddress GET value 0x12 0x03.
	ft := NewFeatureTable(IndividualAddress(0x1203))

	cases := []struct {
		id   FeatureID
		want []byte
	}{
		{FeatureSupportedEmiTypes, []byte{0x00, 0x00}},
		{FeatureIndividualAddress, []byte{0x12, 0x03}},
		{FeatureMaxApduLength, []byte{0x00, 0x0F}},
		{FeatureDeviceDescriptorType0, []byte{0x09, 0x1A}},
		{FeatureConnectionStatus, []byte{0x01}},
		{FeatureManufacturer, []byte{0x00, 0x00}},
		{FeatureActiveEmiType, []byte{0x00}},
		{FeatureEnableFeatureInfoService, []byte{0x00}},
	}
	for _, c := range cases {
		got := ft.Get(c.id)
		if !bytes.Equal(got, c.want) {
			t.Errorf("Get(%v) = % x, want % x", c.id, got, c.want)
		}
	}
}

func TestFeatureTableSet(t *testing.T) {
	ft := NewFeatureTable(IndividualAddress(0x1203))

	if res := ft.Set(FeatureIndividualAddress, []byte{0xFF, 0xFF}); res != FeatureResultAccessReadOnly {
		t.Errorf("Set(IndividualAddress) = %v, want AccessReadOnly", res)
	}
	if got := ft.Get(FeatureIndividualAddress); !bytes.Equal(got, []byte{0x12, 0x03}) {
		t.Errorf("IndividualAddress changed after rejected set: % x", got)
	}

	if res := ft.Set(FeatureEnableFeatureInfoService, []byte{0x01}); res != FeatureResultSuccess {
		t.Errorf("Set(EnableFeatureInfoService) = %v, want Success", res)
	}
	if got := ft.Get(FeatureEnableFeatureInfoService); !bytes.Equal(got, []byte{0x01}) {
		t.Errorf("EnableFeatureInfoService = % x, want 01", got)
	}
}
