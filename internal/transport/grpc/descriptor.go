package grpc

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ProtoFile is the descriptor path the BlockChecker service is registered under.
const ProtoFile = "webshield/v1/checker.proto"

func init() {
	if err := registerDescriptor(protoregistry.GlobalFiles); err != nil {
		panic(err)
	}
}

// registerDescriptor adds the BlockChecker file descriptor to files so server
// reflection can describe the service.
func registerDescriptor(files *protoregistry.Files) error {
	if _, err := files.FindFileByPath(ProtoFile); err == nil {
		return nil
	}

	fdp := &descriptorpb.FileDescriptorProto{
		Name:       proto.String(ProtoFile),
		Package:    proto.String("webshield.v1"),
		Dependency: []string{wrapperspb.File_google_protobuf_wrappers_proto.Path()},
		Syntax:     proto.String("proto3"),
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("BlockChecker"),
			Method: []*descriptorpb.MethodDescriptorProto{{
				Name:       proto.String("Check"),
				InputType:  proto.String(".google.protobuf.StringValue"),
				OutputType: proto.String(".google.protobuf.BoolValue"),
			}},
		}},
	}

	fd, err := protodesc.NewFile(fdp, files)
	if err != nil {
		return fmt.Errorf("build %s: %w", ProtoFile, err)
	}
	return files.RegisterFile(fd)
}
