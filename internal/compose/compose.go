// Package compose renders docker-compose stack definitions for lab
// containers. Rendering is pure string work; nothing here touches the
// network or filesystem.
package compose

import (
	"fmt"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

// AppContainerPortBase is the container-side port the first exposed
// host port maps to. Each subsequent exposed port maps to the next
// container port, so every lab binds the same in-container ports
// regardless of which host ports it was allocated.
const AppContainerPortBase = 3000

// SSHContainerPort is the container-side SSH daemon port.
const SSHContainerPort = 22

// Params is everything needed to render one lab stack.
type Params struct {
	StackName    string
	Image        string
	SSHPort      int
	ExposedPorts []int
	Credentials  Credentials
}

type document struct {
	Services map[string]service `yaml:"services"`
	Volumes  map[string]volume  `yaml:"volumes"`
}

type service struct {
	Image         string   `yaml:"image"`
	ContainerName string   `yaml:"container_name"`
	WorkingDir    string   `yaml:"working_dir"`
	Ports         []string `yaml:"ports"`
	Volumes       []string `yaml:"volumes"`
	Command       string   `yaml:"command"`
	Restart       string   `yaml:"restart"`
	Deploy        deploy   `yaml:"deploy"`
}

type deploy struct {
	Resources resources `yaml:"resources"`
}

type resources struct {
	Limits limits `yaml:"limits"`
}

type limits struct {
	CPUs   string `yaml:"cpus"`
	Memory string `yaml:"memory"`
}

type volume struct{}

// Render produces the stack definition text for one lab. The port list
// order is preserved: SSH first, then exposed ports in allocation order.
func Render(p Params) (string, error) {
	if p.StackName == "" || p.Image == "" {
		return "", fmt.Errorf("compose: stack name and image are required")
	}
	if p.SSHPort <= 0 {
		return "", fmt.Errorf("compose: invalid ssh port %d", p.SSHPort)
	}
	if p.Credentials.Username == "" || p.Credentials.Password == "" {
		return "", fmt.Errorf("compose: credentials are required")
	}

	user := p.Credentials.Username
	home := "/home/" + user
	volumeName := fmt.Sprintf("lab_%s_workspace", user)

	mappings := make([]string, 0, len(p.ExposedPorts)+1)
	mappings = append(mappings, fmt.Sprintf("%d:%d", p.SSHPort, SSHContainerPort))
	for i, port := range p.ExposedPorts {
		if port <= 0 {
			return "", fmt.Errorf("compose: invalid exposed port %d", port)
		}
		mappings = append(mappings, fmt.Sprintf("%d:%d", port, AppContainerPortBase+i))
	}

	doc := document{
		Services: map[string]service{
			"dev-environment": {
				Image:         p.Image,
				ContainerName: p.StackName,
				WorkingDir:    home + "/workspace",
				Ports:         mappings,
				Volumes:       []string{volumeName + ":" + home + "/workspace"},
				Command:       bootstrapCommand(p.Credentials, home),
				Restart:       "unless-stopped",
				Deploy: deploy{
					Resources: resources{Limits: limits{CPUs: "2", Memory: "2G"}},
				},
			},
		},
		Volumes: map[string]volume{volumeName: {}},
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("compose: marshal: %w", err)
	}
	return string(out), nil
}

// bootstrapCommand builds the container entrypoint script. Every step
// checks before acting so the script is safe to re-run against an image
// that already ships sshd or the user.
func bootstrapCommand(creds Credentials, home string) string {
	user := creds.Username

	steps := []string{
		"command -v sshd >/dev/null 2>&1 || (apt-get update && apt-get install -y openssh-server sudo)",
		fmt.Sprintf("id -u %s >/dev/null 2>&1 || %s",
			shellquote.Join(user),
			shellquote.Join("useradd", "-m", "-s", "/bin/bash", user)),
		fmt.Sprintf("echo %s | chpasswd", shellquote.Join(user+":"+creds.Password)),
		fmt.Sprintf("grep -q %s /etc/sudoers || echo %s >> /etc/sudoers",
			shellquote.Join("^"+user+" "),
			shellquote.Join(user+" ALL=(ALL) NOPASSWD:ALL")),
		fmt.Sprintf("chown -R %s %s", shellquote.Join(user+":"+user), shellquote.Join(home)),
		"mkdir -p /run/sshd",
		"/usr/sbin/sshd -D",
	}

	return "bash -c " + shellquote.Join(strings.Join(steps, " && "))
}
