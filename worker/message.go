package worker

import (
	"encoding/base64"
	"fmt"

	"github.com/imagvfx/coflow"
	"google.golang.org/protobuf/types/known/structpb"
)

// Job is an application as it is sent to a worker.
type Job struct {
	ID      string
	Command []string
	Env     map[string]string
	Stdout  string
	Stderr  string
	Outputs []string

	// Inputs maps names in the job directory to their contents.
	Inputs map[string][]byte
}

// JobOf makes a Job from app. Inputs are not read.
func JobOf(app *coflow.Application) Job {
	return Job{
		ID:      app.JobID,
		Command: app.Command,
		Env:     app.Env,
		Stdout:  app.StdoutName(),
		Stderr:  app.StderrName(),
		Outputs: app.Outputs,
	}
}

// Application makes an application the job describes.
func (j Job) Application() *coflow.Application {
	app := coflow.NewApplication(j.ID, j.Command...)
	app.JobID = j.ID
	app.Env = j.Env
	app.Stdout = j.Stdout
	app.Stderr = j.Stderr
	app.Outputs = j.Outputs
	return app
}

func anyList(vs []string) []any {
	l := make([]any, 0, len(vs))
	for _, v := range vs {
		l = append(l, v)
	}
	return l
}

// Struct encodes the job.
func (j Job) Struct() (*structpb.Struct, error) {
	env := make(map[string]any, len(j.Env))
	for k, v := range j.Env {
		env[k] = v
	}
	inputs := make(map[string]any, len(j.Inputs))
	for name, data := range j.Inputs {
		inputs[name] = base64.StdEncoding.EncodeToString(data)
	}
	return structpb.NewStruct(map[string]any{
		"id":      j.ID,
		"command": anyList(j.Command),
		"env":     env,
		"stdout":  j.Stdout,
		"stderr":  j.Stderr,
		"outputs": anyList(j.Outputs),
		"inputs":  inputs,
	})
}

// JobFrom decodes a job encoded with Job.Struct.
func JobFrom(s *structpb.Struct) (Job, error) {
	f := s.GetFields()
	j := Job{
		ID:      f["id"].GetStringValue(),
		Command: stringList(f["command"]),
		Env:     make(map[string]string),
		Stdout:  f["stdout"].GetStringValue(),
		Stderr:  f["stderr"].GetStringValue(),
		Outputs: stringList(f["outputs"]),
		Inputs:  make(map[string][]byte),
	}
	for k, v := range f["env"].GetStructValue().GetFields() {
		j.Env[k] = v.GetStringValue()
	}
	for name, v := range f["inputs"].GetStructValue().GetFields() {
		data, err := base64.StdEncoding.DecodeString(v.GetStringValue())
		if err != nil {
			return Job{}, fmt.Errorf("%w: input %v: %v", coflow.ErrInvalidArgument, name, err)
		}
		j.Inputs[name] = data
	}
	if len(j.Command) == 0 {
		return Job{}, fmt.Errorf("%w: empty command", coflow.ErrInvalidArgument)
	}
	return j, nil
}

func stringList(v *structpb.Value) []string {
	vals := v.GetListValue().GetValues()
	if len(vals) == 0 {
		return nil
	}
	l := make([]string, 0, len(vals))
	for _, v := range vals {
		l = append(l, v.GetStringValue())
	}
	return l
}

// StatusStruct encodes a job status.
func StatusStruct(st coflow.JobStatus) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"state":         structpb.NewStringValue(st.State.String()),
		"exit_code":     structpb.NewNumberValue(float64(st.ExitCode)),
		"signal":        structpb.NewNumberValue(float64(st.Signal)),
		"has_exit_code": structpb.NewBoolValue(st.HasExitCode),
	}}
}

// StatusFrom decodes a job status encoded with StatusStruct.
func StatusFrom(s *structpb.Struct) (coflow.JobStatus, error) {
	f := s.GetFields()
	state, err := coflow.ParseRunState(f["state"].GetStringValue())
	if err != nil {
		return coflow.JobStatus{}, err
	}
	return coflow.JobStatus{
		State:       state,
		ExitCode:    int(f["exit_code"].GetNumberValue()),
		Signal:      coflow.Signal(f["signal"].GetNumberValue()),
		HasExitCode: f["has_exit_code"].GetBoolValue(),
	}, nil
}

// File is a file in a job directory.
type File struct {
	Name string
	Size int64
}

// FilesStruct encodes a list of files.
func FilesStruct(files []File) *structpb.Struct {
	l := make([]*structpb.Value, 0, len(files))
	for _, f := range files {
		l = append(l, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"name": structpb.NewStringValue(f.Name),
			"size": structpb.NewNumberValue(float64(f.Size)),
		}}))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"files": structpb.NewListValue(&structpb.ListValue{Values: l}),
	}}
}

// FilesFrom decodes a list of files encoded with FilesStruct.
func FilesFrom(s *structpb.Struct) []File {
	vals := s.GetFields()["files"].GetListValue().GetValues()
	files := make([]File, 0, len(vals))
	for _, v := range vals {
		f := v.GetStructValue().GetFields()
		files = append(files, File{
			Name: f["name"].GetStringValue(),
			Size: int64(f["size"].GetNumberValue()),
		})
	}
	return files
}

// ReadRequest asks a chunk of a file in a job directory.
type ReadRequest struct {
	ID     string
	Name   string
	Offset int64
	Size   int64
}

// Struct encodes the request.
func (r ReadRequest) Struct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":     structpb.NewStringValue(r.ID),
		"name":   structpb.NewStringValue(r.Name),
		"offset": structpb.NewNumberValue(float64(r.Offset)),
		"size":   structpb.NewNumberValue(float64(r.Size)),
	}}
}

// ReadRequestFrom decodes a request encoded with ReadRequest.Struct.
func ReadRequestFrom(s *structpb.Struct) ReadRequest {
	f := s.GetFields()
	return ReadRequest{
		ID:     f["id"].GetStringValue(),
		Name:   f["name"].GetStringValue(),
		Offset: int64(f["offset"].GetNumberValue()),
		Size:   int64(f["size"].GetNumberValue()),
	}
}

// IDStruct encodes a request only with a job id.
func IDStruct(id string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id": structpb.NewStringValue(id),
	}}
}

// IDFrom decodes the job id of a request.
func IDFrom(s *structpb.Struct) string {
	return s.GetFields()["id"].GetStringValue()
}

// DataStruct encodes a chunk of a file.
func DataStruct(data []byte) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"data": structpb.NewStringValue(base64.StdEncoding.EncodeToString(data)),
	}}
}

// DataFrom decodes a chunk of a file encoded with DataStruct.
func DataFrom(s *structpb.Struct) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s.GetFields()["data"].GetStringValue())
}
