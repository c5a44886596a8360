package cfb

import (
	"reflect"
	"strings"
	"testing"
)

func TestNameChainFromPath(t *testing.T) {
	type args struct {
		s string
	}
	tests := []struct {
		name string
		args args
		want []string
	}{
		{
			name: "empty",
			args: args{s: ""},
			want: []string{},
		},
		{
			name: "root",
			args: args{s: "/"},
			want: []string{},
		},
		{
			name: "dot",
			args: args{s: "."},
			want: []string{},
		},
		{
			name: "valid abs",
			args: args{s: "/foo/bar/baz/"},
			want: []string{"foo", "bar", "baz"},
		},
		{
			name: "valid rel",
			args: args{s: "foo/bar/baz"},
			want: []string{"foo", "bar", "baz"},
		},
		{
			name: "valid up",
			args: args{s: "foo/bar/../baz"},
			want: []string{"foo", "baz"},
		},
		{
			name: "invalid up",
			args: args{s: "foo/../../baz"},
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NameChainFromPath(tt.args.s); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NameChainFromPath() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPathFromNameChain(t *testing.T) {
	type args struct {
		names []string
	}
	tests := []struct {
		name string
		args args
		want string
	}{
		{
			name: "empty",
			args: args{names: []string{}},
			want: "/",
		},
		{
			name: "valid",
			args: args{names: []string{"foo", "bar", "baz"}},
			want: "/foo/bar/baz",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PathFromNameChain(tt.args.names); got != tt.want {
				t.Errorf("PathFromNameChain() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompareNames(t *testing.T) {
	tests := []struct {
		name  string
		left  string
		right string
		want  Ordering
	}{
		{name: "equal", left: "foo", right: "foo", want: OrderEqual},
		{name: "equal case insensitive", left: "foo", right: "FOO", want: OrderEqual},
		{name: "shorter first", left: "z", right: "aa", want: OrderLess},
		{name: "longer last", left: "aa", right: "z", want: OrderGreater},
		{name: "same length lexicographic", left: "abc", right: "abd", want: OrderLess},
		{name: "uppercased comparison", left: "a", right: "B", want: OrderLess},
		{name: "underscore sorts after letters uppercased", left: "A", right: "_", want: OrderLess},
		{name: "non-ascii case fold", left: "é", right: "É", want: OrderEqual},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareNames(tt.left, tt.right); got != tt.want {
				t.Errorf("CompareNames(%q, %q) = %v, want %v", tt.left, tt.right, got, tt.want)
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		arg     string
		wantErr bool
	}{
		{name: "simple", arg: "foo"},
		{name: "max length", arg: strings.Repeat("a", 31)},
		{name: "too long", arg: strings.Repeat("a", 32), wantErr: true},
		{name: "empty", arg: "", wantErr: true},
		{name: "slash", arg: "a/b", wantErr: true},
		{name: "backslash", arg: "a\\b", wantErr: true},
		{name: "colon", arg: "a:b", wantErr: true},
		{name: "bang", arg: "a!b", wantErr: true},
		{name: "control", arg: "a\x01b", wantErr: true},
		{name: "non-ascii", arg: "résumé"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.arg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) = %v, wantErr %v", tt.arg, err, tt.wantErr)
			}
		})
	}
}
