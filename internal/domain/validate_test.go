package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateContextDir(t *testing.T) {
	tests := []struct {
		dir     string
		wantErr bool
	}{
		{"", false},
		{".", false},
		{"apps/myservice", false},
		{"apps/my-service_v2", false},
		{"..", true},
		{"apps/../etc", true},
		{"/etc/passwd", true},
		{"apps/ space", true},
	}
	for _, tt := range tests {
		err := ValidateContextDir(tt.dir)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateContextDir(%q) error = %v, wantErr %v", tt.dir, err, tt.wantErr)
		}
	}
}

func TestValidateK8sName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"dotnet-web-on-fargate", false},
		{"alpha", false},
		{"a", true},
		{"Alpha", true},
		{"alpha-", true},
		{"1alpha", true},
	}
	for _, tt := range tests {
		err := ValidateK8sName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateK8sName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func validDescriptor() AppDescriptor {
	return AppDescriptor{
		AppName:       "dotnet-web-on-fargate",
		ComponentName: "alpha",
		Images: ContainerImages{
			Proxy:      ImageSource{Ref: "nginx:1.27"},
			App:        ImageSource{Ref: "registry.example.com/api:1.0.0"},
			LogShipper: ImageSource{Ref: "fluent/fluent-bit:3.1"},
		},
		SecretRef: "/david/dotnetwebonfargate/secrets",
	}
}

func TestAppDescriptorValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *AppDescriptor)
		wantErr error
	}{
		{
			name:   "valid",
			mutate: func(d *AppDescriptor) {},
		},
		{
			name:    "missing app image",
			mutate:  func(d *AppDescriptor) { d.Images.App = ImageSource{} },
			wantErr: ErrMissingImage,
		},
		{
			name:    "missing log shipper image",
			mutate:  func(d *AppDescriptor) { d.Images.LogShipper = ImageSource{} },
			wantErr: ErrMissingImage,
		},
		{
			name:    "unset secret",
			mutate:  func(d *AppDescriptor) { d.SecretRef = "" },
			wantErr: ErrMissingSecret,
		},
		{
			name:    "internal port equals public port",
			mutate:  func(d *AppDescriptor) { d.Ports.Internal = 80 },
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "upstream port equals public port",
			mutate:  func(d *AppDescriptor) { d.Ports.Upstream = 80 },
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "upstream port equals internal port",
			mutate:  func(d *AppDescriptor) { d.Ports.Upstream = 81 },
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "health check on upstream port",
			mutate:  func(d *AppDescriptor) { d.HealthPort = 5000 },
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "health check on public port",
			mutate:  func(d *AppDescriptor) { d.HealthPort = 80 },
			wantErr: ErrInvalidConfig,
		},
		{
			name: "derived service name too long",
			mutate: func(d *AppDescriptor) {
				d.AppName = "application-name-that-is-also-quite-long-y"
				d.ComponentName = "component-name-that-is-rather-long-x"
			},
			wantErr: ErrInvalidConfig,
		},
		{
			name: "longest allowed resource name",
			mutate: func(d *AppDescriptor) {
				d.AppName = strings.Repeat("a", 28)
				d.ComponentName = strings.Repeat("b", MaxResourceNameLength-29)
			},
		},
		{
			name:    "bad component name",
			mutate:  func(d *AppDescriptor) { d.ComponentName = "Alpha" },
			wantErr: ErrInvalidConfig,
		},
		{
			name: "build source with ssh repo",
			mutate: func(d *AppDescriptor) {
				d.Images.App = ImageSource{Build: &ImageBuild{GitRepo: "ssh://git@example.com/repo", GitRef: "main"}}
			},
			wantErr: ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDescriptor()
			tt.mutate(&d)
			d = d.WithDefaults(nil)
			err := d.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWithDefaults(t *testing.T) {
	d := validDescriptor()
	d.SecretRef = ""
	d.Env = map[string]string{"A": "1"}

	out := d.WithDefaults(&SharedContext{SecretRef: "/shared/secret"})

	if out.SecretRef != "/shared/secret" {
		t.Errorf("SecretRef = %q, want shared secret", out.SecretRef)
	}
	if out.Ports.Public != 80 || out.Ports.Internal != 81 {
		t.Errorf("Ports = %+v, want 80/81", out.Ports)
	}
	if out.HealthPath != "/_health" || out.HealthPort != 81 {
		t.Errorf("health = %s:%d", out.HealthPath, out.HealthPort)
	}
	if out.CPU != 256 || out.MemoryMiB != 512 || out.DesiredCount != 1 {
		t.Errorf("sizing = %d/%d/%d", out.CPU, out.MemoryMiB, out.DesiredCount)
	}

	out.Env["A"] = "2"
	if d.Env["A"] != "1" {
		t.Error("WithDefaults must not share the env map with the input")
	}
}

func TestSecretObjectName(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"/david/dotnetwebonfargate/secrets", "david-dotnetwebonfargate-secrets"},
		{"app_secret", "app-secret"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := SecretObjectName(tt.ref); got != tt.want {
			t.Errorf("SecretObjectName(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}
