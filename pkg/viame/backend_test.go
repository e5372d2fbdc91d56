package viame

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/viamerun/pkg/dataset"
	"github.com/3leaps/viamerun/pkg/jobs"
	"github.com/3leaps/viamerun/pkg/platform"
	"github.com/3leaps/viamerun/pkg/track"
)

const fakeKwiver = `#!/bin/sh
for arg; do
	case "$arg" in
		track_writer:file_name=*) out="${arg#track_writer:file_name=}" ;;
	esac
done
echo "kwiver processing"
echo "kwiver warning" 1>&2
if [ -n "$out" ]; then
	echo "7,,0,10,20,30,40,0.8,-1,fish,0.8" > "$out"
fi
exit ${FAKE_KWIVER_EXIT:-0}
`

const fakeTrainer = `#!/bin/sh
echo "trainer $*"
`

const fakeFFprobe = `#!/bin/sh
echo "environment ready"
cat <<'JSON'
{"streams":[{"codec_name":"h264","codec_type":"video"},{"codec_name":"aac","codec_type":"audio"}],
 "format":{"format_name":"mov,mp4","duration":"3.0"}}
JSON
`

const fakeFFmpeg = `#!/bin/sh
src="$2"
for last; do :; done
cp "$src" "$last"
`

const fakeNvidiaSMI = `#!/bin/sh
cat <<'XML'
<?xml version="1.0" ?>
<nvidia_smi_log>
	<driver_version>550.54</driver_version>
	<cuda_version>12.4</cuda_version>
	<attached_gpus>1</attached_gpus>
	<gpu id="0"><product_name>NVIDIA T4</product_name></gpu>
</nvidia_smi_log>
XML
`

type fixture struct {
	viamePath string
	store     *dataset.Store
	backend   *Backend
}

func requireBash(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake VIAME install uses shell scripts")
	}
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("/bin/bash not available")
	}
}

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	viamePath := filepath.Join(root, "viame")
	bin := filepath.Join(viamePath, "bin")

	writeScript(t, filepath.Join(viamePath, "setup_viame.sh"),
		fmt.Sprintf("export PATH=%q:\"$PATH\"\n", bin))
	writeScript(t, filepath.Join(bin, "kwiver"), fakeKwiver)
	writeScript(t, filepath.Join(bin, "viame_train_detector"), fakeTrainer)
	writeScript(t, filepath.Join(bin, "ffprobe"), fakeFFprobe)
	writeScript(t, filepath.Join(bin, "ffmpeg"), fakeFFmpeg)

	pipes := filepath.Join(viamePath, "configs", "pipelines")
	for _, name := range []string{
		"detector_fish_v2.pipe", "detector_Arctic_seal.pipe", "tracker_fish.pipe",
		"common_default_input.pipe", "detector_fish.local.pipe", "train_netharn_cascade.conf",
		"train_yolo.conf", "embedded.pipe",
	} {
		writeScript(t, filepath.Join(pipes, name), "# config\n")
	}

	store := dataset.NewStore(dataset.Settings{Version: 1, ViamePath: viamePath, DataPath: filepath.Join(root, "data")})
	return &fixture{
		viamePath: viamePath,
		store:     store,
		backend:   New(platform.Linux{}, store, WithNvidiaSMI(filepath.Join(bin, "nvidia-smi"))),
	}
}

func (f *fixture) videoDataset(t *testing.T) string {
	t.Helper()
	media := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(media, "dive.mp4"), []byte("video"), 0o644))
	id, err := f.store.CreateDataset(&dataset.Meta{
		Name: "reef", Type: dataset.TypeVideo,
		OriginalBasePath: media, OriginalVideoFile: "dive.mp4",
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) imageDataset(t *testing.T, files ...string) string {
	t.Helper()
	media := t.TempDir()
	for _, name := range files {
		require.NoError(t, os.WriteFile(filepath.Join(media, name), []byte(name), 0o644))
	}
	id, err := f.store.CreateDataset(&dataset.Meta{
		Name: "frames", Type: dataset.TypeImageSequence,
		OriginalBasePath: media, OriginalImageFiles: files,
	})
	require.NoError(t, err)
	return id
}

type collector struct {
	mu      sync.Mutex
	updates []jobs.Update
	done    chan struct{}
	once    sync.Once
}

func newCollector() *collector { return &collector{done: make(chan struct{})} }

func (c *collector) update(u jobs.Update) {
	c.mu.Lock()
	c.updates = append(c.updates, u)
	c.mu.Unlock()
	if u.Terminal() {
		c.once.Do(func() { close(c.done) })
	}
}

func (c *collector) wait(t *testing.T) jobs.Update {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(20 * time.Second):
		t.Fatal("timed out waiting for terminal update")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates[len(c.updates)-1]
}

func (c *collector) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, u := range c.updates {
		out = append(out, u.Body...)
	}
	return out
}

func TestRunPipeline_Video(t *testing.T) {
	requireBash(t)
	f := newFixture(t)
	id := f.videoDataset(t)
	c := newCollector()

	job, err := f.backend.RunPipeline(context.Background(), RunPipeline{
		DatasetID: id,
		Pipeline:  Pipeline{Name: "fish v2", Pipe: "detector_fish_v2.pipe", Type: "detector"},
	}, c.update)
	require.NoError(t, err)
	assert.Equal(t, jobs.KindPipeline, job.Kind)
	assert.Equal(t, fmt.Sprintf("pipeline_%d_%s", job.PID, job.WorkingDir), job.Key)
	assert.Contains(t, job.Command, "input:video_reader:type=vidl_ffmpeg")
	assert.Contains(t, job.Command, "source ")

	last := c.wait(t)
	assert.Equal(t, 0, *last.ExitCode)
	assert.Equal(t, job.Key, last.Key)
	assert.Contains(t, c.lines(), "kwiver processing")
	assert.Contains(t, c.lines(), "kwiver warning")

	tracks, err := f.store.LoadTracks(id)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, tracks.IDs())

	log, err := os.ReadFile(filepath.Join(job.WorkingDir, jobs.RunLogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(log), "kwiver processing")
	assert.FileExists(t, filepath.Join(job.WorkingDir, jobs.ManifestFileName))
}

func TestRunPipeline_ImageSequenceWritesManifest(t *testing.T) {
	requireBash(t)
	f := newFixture(t)
	id := f.imageDataset(t, "a.png", "b.png")
	meta, err := f.store.LoadMeta(id)
	require.NoError(t, err)
	c := newCollector()

	job, err := f.backend.RunPipeline(context.Background(), RunPipeline{
		DatasetID: id,
		Pipeline:  Pipeline{Pipe: "tracker_fish.pipe"},
	}, c.update)
	require.NoError(t, err)
	assert.NotContains(t, job.Command, "vidl_ffmpeg")
	assert.Equal(t, "tracker_fish", job.Title)
	c.wait(t)

	data, err := os.ReadFile(filepath.Join(job.WorkingDir, ImageManifestFile))
	require.NoError(t, err)
	assert.Equal(t,
		filepath.Join(meta.OriginalBasePath, "a.png")+"\n"+filepath.Join(meta.OriginalBasePath, "b.png"),
		string(data))
}

func TestRunPipeline_FailureKeepsAnnotations(t *testing.T) {
	requireBash(t)
	t.Setenv("FAKE_KWIVER_EXIT", "2")
	f := newFixture(t)
	id := f.videoDataset(t)
	require.NoError(t, f.store.SaveTracks(id, track.Tracks{1: track.New(1, 0)}))
	c := newCollector()

	_, err := f.backend.RunPipeline(context.Background(), RunPipeline{
		DatasetID: id, Pipeline: Pipeline{Pipe: "detector_fish_v2.pipe"},
	}, c.update)
	require.NoError(t, err)

	last := c.wait(t)
	assert.Equal(t, 2, *last.ExitCode)
	assert.Equal(t, jobs.StateFailed, last.State)

	tracks, err := f.store.LoadTracks(id)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, tracks.IDs())
}

func TestRunPipeline_Preconditions(t *testing.T) {
	f := newFixture(t)
	id := f.videoDataset(t)

	_, err := f.backend.RunPipeline(context.Background(), RunPipeline{
		DatasetID: id, Pipeline: Pipeline{Pipe: "missing.pipe"},
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, jobs.ErrPipelineMissing)

	require.NoError(t, os.Remove(filepath.Join(f.viamePath, "setup_viame.sh")))
	_, err = f.backend.RunPipeline(context.Background(), RunPipeline{
		DatasetID: id, Pipeline: Pipeline{Pipe: "detector_fish_v2.pipe"},
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, jobs.ErrSetupScriptMissing)
	assert.Contains(t, err.Error(), "does not exist")

	_, statErr := os.Stat(f.store.JobsDir())
	assert.True(t, os.IsNotExist(statErr), "no job directory may be created")
}

func TestRunPipeline_UnknownDataset(t *testing.T) {
	f := newFixture(t)
	_, err := f.backend.RunPipeline(context.Background(), RunPipeline{
		DatasetID: "nope", Pipeline: Pipeline{Pipe: "detector_fish_v2.pipe"},
	}, nil)
	assert.ErrorIs(t, err, dataset.ErrDatasetNotFound)
}

func TestPipelineCommand_Windows(t *testing.T) {
	store := dataset.NewStore(dataset.Settings{ViamePath: `C:\Program Files\VIAME`, DataPath: t.TempDir()})
	b := New(platform.Windows{}, store)
	meta := &dataset.Meta{Type: dataset.TypeVideo, OriginalBasePath: "/media", OriginalVideoFile: "a.mp4"}

	line, err := b.pipelineCommand(meta, b.pipelinePath("detector_fish.pipe"), "/wd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, `"C:\Program Files\VIAME\setup_viame.bat" && kwiver.exe runner`), line)
	assert.Contains(t, line, `-p "C:\Program Files\VIAME\configs\pipelines\detector_fish.pipe"`)
	assert.Contains(t, line, "-s input:video_reader:type=vidl_ffmpeg")
}

func TestRunTraining(t *testing.T) {
	requireBash(t)
	f := newFixture(t)
	video := f.videoDataset(t)
	images := f.imageDataset(t, "1.png")
	require.NoError(t, f.store.SaveTracks(images, track.Tracks{
		3: {TrackID: 3, ConfidencePairs: []track.ConfidencePair{{Type: "crab", Confidence: 1}},
			Features: []track.Feature{{Frame: 0, Bounds: [4]int{1, 2, 3, 4}, Keyframe: true}}},
	}))
	imageMeta, err := f.store.LoadMeta(images)
	require.NoError(t, err)
	videoMeta, err := f.store.LoadMeta(video)
	require.NoError(t, err)

	c := newCollector()
	job, err := f.backend.RunTraining(context.Background(), RunTraining{
		DatasetIDs:     []string{video, images},
		PipelineName:   "my model",
		TrainingConfig: "train_yolo.conf",
	}, c.update)
	require.NoError(t, err)
	assert.Equal(t, jobs.KindTraining, job.Kind)
	assert.Equal(t, "my_model", job.Title)
	assert.Equal(t, []string{video, images}, job.DatasetIDs)

	last := c.wait(t)
	assert.Equal(t, 0, *last.ExitCode)
	assert.Contains(t, strings.Join(c.lines(), "\n"), "--no-query")

	truth, err := os.ReadFile(filepath.Join(job.WorkingDir, InputTruthListFile))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("groundtruth_%s.csv\ngroundtruth_%s.csv\n", video, images), string(truth))

	folders, err := os.ReadFile(filepath.Join(job.WorkingDir, InputFolderListFile))
	require.NoError(t, err)
	assert.Equal(t, videoMeta.VideoPath()+"\n"+imageMeta.OriginalBasePath+"\n", string(folders))

	gt, err := os.ReadFile(filepath.Join(job.WorkingDir, "groundtruth_"+images+".csv"))
	require.NoError(t, err)
	assert.Contains(t, string(gt), "3,1.png,0,1,2,3,4,1.0,-1,crab,1.0")
}

func TestRunTraining_MissingConfig(t *testing.T) {
	f := newFixture(t)
	id := f.videoDataset(t)
	_, err := f.backend.RunTraining(context.Background(), RunTraining{
		DatasetIDs: []string{id}, PipelineName: "m", TrainingConfig: "train_missing.conf",
	}, nil)
	assert.ErrorIs(t, err, jobs.ErrTrainingConfigMissing)

	require.NoError(t, os.MkdirAll(filepath.Join(f.viamePath, "configs", "pipelines", "subdir"), 0o755))
	for _, cfg := range []string{"", "  ", "subdir"} {
		job, err := f.backend.RunTraining(context.Background(), RunTraining{
			DatasetIDs: []string{id}, PipelineName: "m", TrainingConfig: cfg,
		}, nil)
		assert.ErrorIs(t, err, jobs.ErrTrainingConfigMissing, "config %q", cfg)
		assert.Nil(t, job)
	}
}

func TestValidateInstall(t *testing.T) {
	requireBash(t)
	f := newFixture(t)
	if _, err := os.Stat("/usr/bin/which"); err != nil {
		t.Skip("which not available")
	}
	require.NoError(t, f.backend.ValidateInstall(context.Background()))

	require.NoError(t, os.Remove(filepath.Join(f.viamePath, "bin", "kwiver")))
	assert.ErrorIs(t, f.backend.ValidateInstall(context.Background()), ErrInstallInvalid)

	require.NoError(t, os.Remove(filepath.Join(f.viamePath, "setup_viame.sh")))
	assert.ErrorIs(t, f.backend.ValidateInstall(context.Background()), jobs.ErrSetupScriptMissing)
}

func TestCheckMedia(t *testing.T) {
	requireBash(t)
	f := newFixture(t)
	file := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	info, err := f.backend.CheckMedia(context.Background(), file)
	require.NoError(t, err)
	assert.True(t, info.Websafe)
	assert.Equal(t, "mov,mp4", info.FormatName)
	assert.Equal(t, []string{"h264", "aac"}, info.Codecs)

	_, err = f.backend.CheckMedia(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	assert.Error(t, err)
}

func TestConvertMedia_Images(t *testing.T) {
	requireBash(t)
	f := newFixture(t)
	id := f.imageDataset(t, "a.tif", "b.tif", "c.tif")
	meta, err := f.store.LoadMeta(id)
	require.NoError(t, err)

	items := f.backend.PlanConversions(meta, meta.ImagePaths())
	require.Len(t, items, 3)
	assert.Equal(t, filepath.Join(f.store.ProjectDir(id), "a.png"), items[0].Dest)

	c := newCollector()
	job, err := f.backend.ConvertMedia(context.Background(), id, items, c.update)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(job.Key, "convert_"))
	assert.True(t, strings.HasSuffix(job.Key, "_"+meta.OriginalBasePath))

	last := c.wait(t)
	assert.Equal(t, 0, *last.ExitCode)
	assert.Equal(t, job.Key, last.Key)
	assert.Contains(t, c.lines(), "Conversion 3 of 3 Complete")

	for _, it := range items {
		assert.FileExists(t, it.Dest)
	}
	updated, err := f.store.LoadMeta(id)
	require.NoError(t, err)
	assert.Empty(t, updated.TranscodingJobKey)
	assert.Equal(t, []string{"a.png", "b.png", "c.png"}, updated.TranscodedImageFiles)
}

func TestConvertMedia_FailureClearsPendingKey(t *testing.T) {
	requireBash(t)
	f := newFixture(t)
	id := f.imageDataset(t, "a.tif", "b.tif", "c.tif")
	meta, err := f.store.LoadMeta(id)
	require.NoError(t, err)

	items := f.backend.PlanConversions(meta, meta.ImagePaths())
	require.NoError(t, os.Remove(items[1].Source))

	c := newCollector()
	_, err = f.backend.ConvertMedia(context.Background(), id, items, c.update)
	require.NoError(t, err)

	last := c.wait(t)
	assert.NotEqual(t, 0, *last.ExitCode)
	assert.NoFileExists(t, items[2].Dest)

	updated, err := f.store.LoadMeta(id)
	require.NoError(t, err)
	assert.Empty(t, updated.TranscodingJobKey)
	assert.Empty(t, updated.TranscodedImageFiles)
}

func TestConvertMedia_Video(t *testing.T) {
	requireBash(t)
	f := newFixture(t)
	id := f.videoDataset(t)
	meta, err := f.store.LoadMeta(id)
	require.NoError(t, err)

	items := f.backend.PlanConversions(meta, []string{meta.VideoPath()})
	c := newCollector()
	job, err := f.backend.ConvertMedia(context.Background(), id, items, c.update)
	require.NoError(t, err)
	assert.Contains(t, job.Command, "-c:v h264 -c:a copy")

	last := c.wait(t)
	assert.Equal(t, 0, *last.ExitCode)
	updated, err := f.store.LoadMeta(id)
	require.NoError(t, err)
	assert.Equal(t, "dive.transcoded.mp4", updated.TranscodedVideoFile)

	_, err = f.backend.ConvertMedia(context.Background(), id, append(items, items...), nil)
	assert.Error(t, err)
}

func TestNvidiaSMI(t *testing.T) {
	requireBash(t)
	f := newFixture(t)
	bin := filepath.Join(f.viamePath, "bin", "nvidia-smi")

	report := f.backend.NvidiaSMI(context.Background())
	assert.Equal(t, -1, report.ExitCode)
	assert.NotEmpty(t, report.Error)
	assert.False(t, report.Available())

	writeScript(t, bin, fakeNvidiaSMI)
	report = f.backend.NvidiaSMI(context.Background())
	assert.Equal(t, 0, report.ExitCode)
	assert.Equal(t, "550.54", report.DriverVersion)
	assert.Equal(t, "12.4", report.CUDAVersion)
	assert.Equal(t, 1, report.AttachedGPUs)
	assert.Equal(t, []string{"NVIDIA T4"}, report.Products)
	assert.True(t, report.Available())

	writeScript(t, bin, "#!/bin/sh\necho 'NVIDIA-SMI has failed'\nexit 9\n")
	report = f.backend.NvidiaSMI(context.Background())
	assert.Equal(t, 9, report.ExitCode)
	assert.Contains(t, report.Error, "NVIDIA-SMI has failed")
}

func TestDiscoverPipelines(t *testing.T) {
	f := newFixture(t)
	cat, err := f.backend.DiscoverPipelines()
	require.NoError(t, err)

	require.Contains(t, cat.Pipelines, "detector")
	det := cat.Pipelines["detector"].Pipes
	require.Len(t, det, 2)
	assert.Equal(t, Pipeline{Name: "Arctic seal", Pipe: "detector_Arctic_seal.pipe", Type: "detector"}, det[0])
	assert.Equal(t, "fish v2", det[1].Name)

	assert.Len(t, cat.Pipelines["tracker"].Pipes, 1)
	assert.Equal(t, "embedded", cat.Pipelines["other"].Pipes[0].Name)
	assert.NotContains(t, cat.Pipelines, "common")

	assert.Equal(t, []string{"train_netharn_cascade.conf", "train_yolo.conf"}, cat.Training.Configs)
	assert.Equal(t, "train_netharn_cascade.conf", cat.Training.Default)

	p, ok := cat.FindPipeline("detector fish v2")
	require.True(t, ok)
	assert.Equal(t, "detector_fish_v2.pipe", p.Pipe)
	_, ok = cat.FindPipeline("tracker_fish")
	assert.True(t, ok)
}
