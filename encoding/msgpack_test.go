package encoding

import (
	"errors"
	"sync"
	"testing"
)

type heartbeatFixture struct {
	ID      []byte `msgpack:"id"`
	Host    string `msgpack:"host"`
	Port    int    `msgpack:"port"`
	Payload []byte `msgpack:"payload"`
}

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{"string", "hello world"},
		{"int64", int64(9876543210)},
		{"bool", true},
		{"slice", []int{1, 2, 3, 4, 5}},
		{"map", map[string]interface{}{"name": "alice", "port": 4000}},
		{"struct", heartbeatFixture{ID: []byte{1, 2}, Host: "10.0.0.1", Port: 4000}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if len(data) == 0 {
				t.Error("Expected non-empty result")
			}
		})
	}
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	numGoroutines := 50
	iterations := 500

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				hb := heartbeatFixture{ID: []byte{byte(id), byte(j)}, Host: "127.0.0.1", Port: j}
				data, err := Marshal(hb)
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				var out heartbeatFixture
				if err := Unmarshal(data, &out); err != nil {
					t.Errorf("Unmarshal failed: %v", err)
					return
				}
				if out.Port != j {
					t.Errorf("Port mismatch: got %d, want %d", out.Port, j)
					return
				}
			}
		}(i)
	}

	wg.Wait()
}

func TestUnmarshal_StringNotBytes(t *testing.T) {
	original := "tcp://10.0.0.1:4000"
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var result interface{}
	if err := Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	str, ok := result.(string)
	if !ok {
		t.Fatalf("Expected string type, got %T", result)
	}
	if str != original {
		t.Errorf("String mismatch: got %q, want %q", str, original)
	}
}

func TestUnmarshal_GarbageIsDecodeError(t *testing.T) {
	var out heartbeatFixture
	err := Unmarshal([]byte{0xc1, 0xc1, 0xc1}, &out)
	if err == nil {
		t.Fatal("Expected error for garbage input")
	}

	var de *FrameDecodeError
	if !errors.As(err, &de) {
		t.Fatalf("Expected *FrameDecodeError, got %T", err)
	}
}

func BenchmarkMarshal(b *testing.B) {
	hb := heartbeatFixture{ID: make([]byte, 16), Host: "10.0.0.1", Port: 4000, Payload: []byte("node-a")}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Marshal(hb)
	}
}
