package dap

import (
	"reflect"
	"testing"
)

func testVersions(t *testing.T, f func(t *testing.T, version Version)) {
	t.Helper()
	t.Run("draft02", func(t *testing.T) { f(t, Draft02) })
	t.Run("draft07", func(t *testing.T) { f(t, Draft07) })
}

func TestQueryConfigRoundTrip(t *testing.T) {
	testVersions(t, func(t *testing.T, version Version) {
		qc := QueryConfig{
			TimePrecision:      12_345_678,
			MaxBatchQueryCount: 1337,
			MinBatchSize:       12_345_678,
			Var:                QueryConfigVar{Kind: QueryConfigVarTimeInterval},
		}
		enc, err := qc.Encode(nil, version)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		decoded, err := DecodeQueryConfig(enc, version)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !reflect.DeepEqual(decoded, qc) {
			t.Fatalf("round trip mismatch: %+v != %+v", decoded, qc)
		}

		qc = QueryConfig{
			TimePrecision:      12_345_678,
			MaxBatchQueryCount: 1337,
			MinBatchSize:       12_345_678,
			Var:                QueryConfigVar{Kind: QueryConfigVarFixedSize, MaxBatchSize: 12_345_678},
		}
		enc, err = qc.Encode(nil, version)
		if err != nil {
			t.Fatalf("encode fixed-size: %v", err)
		}
		decoded, err = DecodeQueryConfig(enc, version)
		if err != nil {
			t.Fatalf("decode fixed-size: %v", err)
		}
		if !reflect.DeepEqual(decoded, qc) {
			t.Fatalf("fixed-size round trip mismatch: %+v != %+v", decoded, qc)
		}
	})
}

func TestQueryConfigNotImplementedDraft07RoundTrips(t *testing.T) {
	qc := QueryConfig{
		TimePrecision:      12_345_678,
		MaxBatchQueryCount: 1337,
		MinBatchSize:       12_345_678,
		Var:                QueryConfigVar{Kind: QueryConfigVarNotImplemented, Typ: 0, Param: []byte("query config param")},
	}
	enc, err := qc.Encode(nil, Draft07)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeQueryConfig(enc, Draft07)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Var.Kind != QueryConfigVarNotImplemented || string(decoded.Var.Param) != "query config param" {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestQueryConfigNotImplementedDraft02Fails(t *testing.T) {
	qc := QueryConfig{
		TimePrecision:      12_345_678,
		MaxBatchQueryCount: 1337,
		MinBatchSize:       12_345_678,
		Var:                QueryConfigVar{Kind: QueryConfigVarNotImplemented, Typ: 0, Param: []byte("query config param")},
	}
	enc, err := qc.Encode(nil, Draft02)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeQueryConfig(enc, Draft02); err == nil {
		t.Fatalf("expected decode of unimplemented query config to fail under draft02")
	}
}

func TestVdafConfigRoundTrip(t *testing.T) {
	testVersions(t, func(t *testing.T, version Version) {
		vc := VdafConfig{
			DpConfig: DpConfig{Kind: DpConfigNone},
			Var:      VdafTypeVar{Kind: VdafTypeVarPrio2, Dimension: 1337},
		}
		enc, err := vc.encode(nil, version)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		off := 0
		decoded, err := decodeVdafConfig(enc, &off, version)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !reflect.DeepEqual(decoded, vc) {
			t.Fatalf("round trip mismatch: %+v != %+v", decoded, vc)
		}
	})
}

func TestVdafConfigNotImplementedDraft02Fails(t *testing.T) {
	vc := VdafConfig{
		DpConfig: DpConfig{Kind: DpConfigNone},
		Var:      VdafTypeVar{Kind: VdafTypeVarNotImplemented, Typ: 1337, Param: []byte("vdaf type param")},
	}
	enc, err := vc.encode(nil, Draft02)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	off := 0
	if _, err := decodeVdafConfig(enc, &off, Draft02); err == nil {
		t.Fatalf("expected decode of unimplemented vdaf type to fail under draft02")
	}
}

func TestTaskConfigRoundTrip(t *testing.T) {
	testVersions(t, func(t *testing.T, version Version) {
		tc := TaskConfig{
			TaskInfo:  []byte("demo task"),
			LeaderUrl: UrlBytes{Bytes: []byte("https://leader.example/")},
			HelperUrl: UrlBytes{Bytes: []byte("https://helper.example/")},
			QueryConfig: QueryConfig{
				TimePrecision:      3600,
				MaxBatchQueryCount: 1,
				MinBatchSize:       1,
				Var:                QueryConfigVar{Kind: QueryConfigVarTimeInterval},
			},
			TaskExpiration: 2_000_000_000,
			VdafConfig: VdafConfig{
				DpConfig: DpConfig{Kind: DpConfigNone},
				Var:      VdafTypeVar{Kind: VdafTypeVarPrio2, Dimension: 8},
			},
		}
		enc, err := tc.Encode(version)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		decoded, err := DecodeTaskConfig(enc, version)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if string(decoded.TaskInfo) != string(tc.TaskInfo) {
			t.Fatalf("task info mismatch")
		}
		if string(decoded.LeaderUrl.Bytes) != string(tc.LeaderUrl.Bytes) || string(decoded.HelperUrl.Bytes) != string(tc.HelperUrl.Bytes) {
			t.Fatalf("url mismatch: %+v", decoded)
		}
		if decoded.TaskExpiration != tc.TaskExpiration {
			t.Fatalf("expiration mismatch")
		}
	})
}
