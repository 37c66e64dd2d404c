package main

import "testing"

func TestDefaultConfigPath(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want string
	}{
		{"unset", "", "voxcast.yaml"},
		{"from environment", "/etc/voxcast/prod.yaml", "/etc/voxcast/prod.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(configPathEnv, tt.env)
			if got := defaultConfigPath(); got != tt.want {
				t.Errorf("defaultConfigPath() = %q, want %q", got, tt.want)
			}
		})
	}
}
