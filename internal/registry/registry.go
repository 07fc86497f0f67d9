// Package registry loads proto descriptors from one of three sources — live
// .proto parsing, a precompiled FileDescriptorSet, or a backend's reflection
// service — and answers fully qualified method lookups. Grounded on
// grpc-proxy-study's loadFromPB (precompiled descriptor sets) and
// loadFromReflection (grpcreflect.NewClientV1Alpha), generalized from a
// proxy-wide route table into a query surface.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/grpcreflect"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/anthony/wsgrpc-bridge/internal/bridgeerr"
)

// Descriptor is the bridge's view of a resolved method: everything the Call
// Manager needs to pick a call shape and marshal/unmarshal dynamic messages.
type Descriptor struct {
	PkgPath           string
	ServiceName       string
	MethodName        string
	RequestStreaming  bool
	ResponseStreaming bool
	Method            *desc.MethodDescriptor
	Input             *desc.MessageDescriptor
	Output            *desc.MessageDescriptor
}

// Registry holds loaded service descriptors, keyed by their fully qualified
// name ("pkg.sub.Service"). Read-mostly after warm-up, guarded by a single
// RWMutex around the initial load and any later cache insert.
type Registry struct {
	log *zap.SugaredLogger

	mu       sync.RWMutex
	files    []*desc.FileDescriptor
	services map[string]*desc.ServiceDescriptor
	packages map[string]bool
}

// New builds an empty Registry. Loading is done via LoadProtoFiles,
// LoadDescriptorSet, or LoadFromReflection, any combination of which may be
// called to populate it before serving lookups.
func New(log *zap.SugaredLogger) *Registry {
	return &Registry{
		log:      log,
		services: map[string]*desc.ServiceDescriptor{},
		packages: map[string]bool{},
	}
}

// LoadProtoFiles parses the given .proto files, resolving imports against an
// include path built as the union, in order and de-duplicated, of the
// user-supplied include dirs, the parent directory of every supplied proto
// file, and the process working directory.
func (r *Registry) LoadProtoFiles(protoPaths, includeDirs []string) error {
	const op = "registry.LoadProtoFiles"
	paths := buildIncludePaths(protoPaths, includeDirs)
	parser := protoparse.Parser{
		ImportPaths:           paths,
		IncludeSourceCodeInfo: false,
	}

	rel := make([]string, len(protoPaths))
	for i, p := range protoPaths {
		rel[i] = relativeTo(p, paths)
	}

	fds, err := parser.ParseFiles(rel...)
	if err != nil {
		return bridgeerr.Wrap(op, bridgeerr.Internal, "failed to parse proto files", err)
	}
	r.addFiles(fds)
	r.log.Debugw("loaded proto files", "count", len(fds), "paths", protoPaths)
	return nil
}

// LoadDescriptorSet loads a precompiled FileDescriptorSet, the same "pb"
// mode grpc-proxy-study's loadFromPB implements, kept for parity with
// deployments that ship compiled descriptor bundles instead of raw .proto
// sources.
func (r *Registry) LoadDescriptorSet(path string) error {
	const op = "registry.LoadDescriptorSet"
	b, err := os.ReadFile(path)
	if err != nil {
		return bridgeerr.Wrap(op, bridgeerr.Internal, "failed to read descriptor set", err)
	}
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(b, &set); err != nil {
		return bridgeerr.Wrap(op, bridgeerr.Internal, "failed to unmarshal descriptor set", err)
	}
	fds, err := desc.CreateFileDescriptorsFromSet(&set)
	if err != nil {
		return bridgeerr.Wrap(op, bridgeerr.Internal, "failed to build file descriptors", err)
	}
	list := make([]*desc.FileDescriptor, 0, len(fds))
	for _, fd := range fds {
		list = append(list, fd)
	}
	r.addFiles(list)
	r.log.Debugw("loaded descriptor set", "path", path, "count", len(list))
	return nil
}

// LoadFromReflection discovers service descriptors by querying a live
// backend's reflection service, grounded directly on grpc-proxy-study's
// grpcreflect.NewClientV1Alpha usage in loadFromReflection.
func (r *Registry) LoadFromReflection(ctx context.Context, conn *grpc.ClientConn) error {
	const op = "registry.LoadFromReflection"
	client := grpcreflect.NewClientV1Alpha(ctx, grpc_reflection_v1alpha.NewServerReflectionClient(conn))
	defer client.Reset()

	services, err := client.ListServices()
	if err != nil {
		return bridgeerr.Wrap(op, bridgeerr.Internal, "failed to list services via reflection", err)
	}

	var files []*desc.FileDescriptor
	for _, svc := range services {
		if svc == "grpc.reflection.v1alpha.ServerReflection" || svc == "grpc.reflection.v1.ServerReflection" {
			continue
		}
		fd, err := client.ResolveService(svc)
		if err != nil {
			return bridgeerr.Wrap(op, bridgeerr.Internal, fmt.Sprintf("failed to resolve service %q via reflection", svc), err)
		}
		files = append(files, fd)
	}
	r.addFiles(files)
	r.log.Debugw("loaded services via reflection", "count", len(files))
	return nil
}

func (r *Registry) addFiles(fds []*desc.FileDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fd := range fds {
		r.files = append(r.files, fd)
		r.packages[fd.GetPackage()] = true
		for _, svc := range fd.GetServices() {
			r.services[svc.GetFullyQualifiedName()] = svc
		}
	}
}

// ParseFQMethod splits "pkg.sub.Service/Method" into its package path,
// service name, and method name.
func ParseFQMethod(method string) (pkgPath, serviceName, methodName string, err error) {
	slash := strings.Count(method, "/")
	if slash != 1 {
		return "", "", "", bridgeerr.New("registry.ParseFQMethod", bridgeerr.InvalidArgument,
			fmt.Sprintf("method %q must contain exactly one '/'", method))
	}
	idx := strings.IndexByte(method, '/')
	serviceFQN, methodName := method[:idx], method[idx+1:]
	if serviceFQN == "" || methodName == "" {
		return "", "", "", bridgeerr.New("registry.ParseFQMethod", bridgeerr.InvalidArgument,
			fmt.Sprintf("method %q is missing a service or method name", method))
	}
	dot := strings.LastIndexByte(serviceFQN, '.')
	if dot < 0 {
		pkgPath, serviceName = "", serviceFQN
	} else {
		pkgPath, serviceName = serviceFQN[:dot], serviceFQN[dot+1:]
	}
	return pkgPath, serviceName, methodName, nil
}

// GetMethodDescriptor resolves a (pkgPath, serviceName, methodName) triple
// to a Descriptor. Missing package, service, or method each yield a distinct
// NOT_FOUND-class error naming the missing element.
func (r *Registry) GetMethodDescriptor(pkgPath, serviceName, methodName string) (Descriptor, error) {
	const op = "registry.GetMethodDescriptor"
	r.mu.RLock()
	defer r.mu.RUnlock()

	if pkgPath != "" && !r.packages[pkgPath] {
		return Descriptor{}, bridgeerr.New(op, bridgeerr.NotFound, fmt.Sprintf("unknown package %q", pkgPath))
	}

	fqn := serviceName
	if pkgPath != "" {
		fqn = pkgPath + "." + serviceName
	}
	svc, ok := r.services[fqn]
	if !ok {
		return Descriptor{}, bridgeerr.New(op, bridgeerr.NotFound, fmt.Sprintf("unknown service %q", fqn))
	}

	md := svc.FindMethodByName(methodName)
	if md == nil {
		return Descriptor{}, bridgeerr.New(op, bridgeerr.NotFound, fmt.Sprintf("unknown method %q on service %q", methodName, fqn))
	}

	return Descriptor{
		PkgPath:           pkgPath,
		ServiceName:       serviceName,
		MethodName:        methodName,
		RequestStreaming:  md.IsClientStreaming(),
		ResponseStreaming: md.IsServerStreaming(),
		Method:            md,
		Input:             md.GetInputType(),
		Output:            md.GetOutputType(),
	}, nil
}

// buildIncludePaths unions the user-supplied dirs, then the parent directory
// of every proto file, then the working directory, de-duplicated preserving
// first occurrence.
func buildIncludePaths(protoPaths, includeDirs []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(dir string) {
		if dir == "" {
			dir = "."
		}
		clean := filepath.Clean(dir)
		if seen[clean] {
			return
		}
		seen[clean] = true
		out = append(out, clean)
	}
	for _, d := range includeDirs {
		add(d)
	}
	for _, p := range protoPaths {
		add(filepath.Dir(p))
	}
	if wd, err := os.Getwd(); err == nil {
		add(wd)
	}
	return out
}

// relativeTo rewrites an absolute-or-relative proto path as relative to one
// of the given import paths, which protoparse.Parser.ParseFiles requires.
func relativeTo(protoPath string, importPaths []string) string {
	for _, ip := range importPaths {
		if rel, err := filepath.Rel(ip, protoPath); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return filepath.Base(protoPath)
}
