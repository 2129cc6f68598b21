// Package vulkan implements gpu.Device on top of vkngwrapper.
//
// New performs the whole bootstrap: instance (with the validation layer
// and a debug messenger when requested), surface, physical device
// selection, logical device with its graphics and present queues, and a
// command pool for the graphics family.
package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/ext_debug_utils"
	"github.com/vkngwrapper/extensions/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/khr_portability_subset"
	"github.com/vkngwrapper/extensions/khr_surface"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/bismuth-engine/bismuth"
	"github.com/bismuth-engine/bismuth/gpu"
)

// ErrUnsupported marks failures caused by a missing layer, extension or
// suitable GPU on the host.
var ErrUnsupported = errors.New("vulkan: unsupported by this host")

var validationLayers = []string{"VK_LAYER_KHRONOS_validation"}
var deviceExtensions = []string{khr_swapchain.ExtensionName}

// Window is the platform window a Device presents to.
type Window interface {
	// ProcAddr returns the platform's vkGetInstanceProcAddr.
	ProcAddr() unsafe.Pointer

	// VulkanInstanceExtensions lists the instance extensions the platform
	// needs for presentation.
	VulkanInstanceExtensions() []string

	CreateSurface(instance core1_0.Instance) (khr_surface.Surface, error)
}

// Option configures a Device.
type Option func(*options)

type options struct {
	applicationName string
	validation      bool
}

// WithApplicationName sets the application name reported to the driver.
func WithApplicationName(name string) Option {
	return func(o *options) {
		o.applicationName = name
	}
}

// WithValidation enables the Khronos validation layer and routes its
// messages to the bismuth logger.
func WithValidation(enabled bool) Option {
	return func(o *options) {
		o.validation = enabled
	}
}

// Device is a logical device bound to one window surface.
type Device struct {
	opts   options
	window Window
	loader core.Loader

	instance       core1_0.Instance
	debugMessenger ext_debug_utils.DebugUtilsMessenger
	surface        khr_surface.Surface

	physicalDevice core1_0.PhysicalDevice
	device         core1_0.Device
	families       gpu.QueueFamilyIndices

	graphicsQueue core1_0.Queue
	presentQueue  core1_0.Queue

	swapchainExtension khr_swapchain.Extension
	commandPool        core1_0.CommandPool
}

var _ gpu.Device = (*Device)(nil)

// New creates a device able to render to and present on window.
func New(window Window, opts ...Option) (*Device, error) {
	d := &Device{
		opts: options{
			applicationName: "Bismuth",
		},
		window: window,
	}
	for _, opt := range opts {
		opt(&d.opts)
	}

	if err := d.init(); err != nil {
		d.Destroy()
		return nil, err
	}

	return d, nil
}

func (d *Device) init() error {
	var err error
	d.loader, err = core.CreateLoaderFromProcAddr(d.window.ProcAddr())
	if err != nil {
		return errors.Wrap(err, "failed to create vulkan loader")
	}

	if err := d.createInstance(); err != nil {
		return err
	}

	if err := d.setupDebugMessenger(); err != nil {
		return err
	}

	if err := d.createSurface(); err != nil {
		return err
	}

	if err := d.pickPhysicalDevice(); err != nil {
		return err
	}

	if err := d.createLogicalDevice(); err != nil {
		return err
	}

	return d.createCommandPool()
}

func (d *Device) createInstance() error {
	instanceOptions := core1_0.InstanceCreateInfo{
		ApplicationName:    d.opts.applicationName,
		ApplicationVersion: common.CreateVersion(1, 0, 0),
		EngineName:         "Bismuth",
		EngineVersion:      common.CreateVersion(1, 0, 0),
		APIVersion:         common.Vulkan1_2,
	}

	extensions, _, err := d.loader.AvailableExtensions()
	if err != nil {
		return errors.Wrap(err, "failed to enumerate instance extensions")
	}

	for _, ext := range d.window.VulkanInstanceExtensions() {
		if _, hasExt := extensions[ext]; !hasExt {
			return errors.Mark(errors.Newf("missing instance extension %s", ext), ErrUnsupported)
		}
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext)
	}

	if d.opts.validation {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext_debug_utils.ExtensionName)
	}

	// Required to enumerate MoltenVK devices.
	if _, enumerationSupported := extensions[khr_portability_enumeration.ExtensionName]; enumerationSupported {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, khr_portability_enumeration.ExtensionName)
		instanceOptions.Flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	if d.opts.validation {
		layers, _, err := d.loader.AvailableLayers()
		if err != nil {
			return errors.Wrap(err, "failed to enumerate instance layers")
		}

		for _, layer := range validationLayers {
			if _, hasValidation := layers[layer]; !hasValidation {
				return errors.Mark(errors.Newf("validation layer %s not available, install the Vulkan SDK", layer), ErrUnsupported)
			}
			instanceOptions.EnabledLayerNames = append(instanceOptions.EnabledLayerNames, layer)
		}

		// Covers messages from instance creation and destruction.
		instanceOptions.Next = debugMessengerOptions()
	}

	d.instance, _, err = d.loader.CreateInstance(nil, instanceOptions)
	if err != nil {
		return errors.Wrap(err, "failed to create instance")
	}

	return nil
}

func (d *Device) setupDebugMessenger() error {
	if !d.opts.validation {
		return nil
	}

	var err error
	debugLoader := ext_debug_utils.CreateExtensionFromInstance(d.instance)
	d.debugMessenger, _, err = debugLoader.CreateDebugUtilsMessenger(d.instance, nil, debugMessengerOptions())
	if err != nil {
		return errors.Wrap(err, "failed to set up debug messenger")
	}

	return nil
}

func (d *Device) createSurface() error {
	surface, err := d.window.CreateSurface(d.instance)
	if err != nil {
		return errors.Wrap(err, "failed to create window surface")
	}

	d.surface = surface
	return nil
}

func (d *Device) pickPhysicalDevice() error {
	physicalDevices, _, err := d.instance.EnumeratePhysicalDevices()
	if err != nil {
		return errors.Wrap(err, "failed to enumerate physical devices")
	}

	for _, device := range physicalDevices {
		if d.isDeviceSuitable(device) {
			d.physicalDevice = device
			break
		}
	}

	if d.physicalDevice == nil {
		return errors.Mark(errors.New("failed to find a suitable GPU"), ErrUnsupported)
	}

	d.families, err = d.findQueueFamilies(d.physicalDevice)
	if err != nil {
		return err
	}

	if properties, err := d.physicalDevice.Properties(); err == nil {
		bismuth.Logger().Info("selected physical device",
			"name", properties.DeviceName,
			"graphicsFamily", *d.families.GraphicsFamily,
			"presentFamily", *d.families.PresentFamily)
	}

	return nil
}

func (d *Device) isDeviceSuitable(device core1_0.PhysicalDevice) bool {
	indices, err := d.findQueueFamilies(device)
	if err != nil {
		return false
	}

	if !checkDeviceExtensionSupport(device) {
		return false
	}

	support, err := d.surfaceSupport(device)
	if err != nil {
		return false
	}

	return indices.IsComplete() && len(support.Formats) > 0 && len(support.PresentModes) > 0
}

func checkDeviceExtensionSupport(device core1_0.PhysicalDevice) bool {
	extensions, _, err := device.EnumerateDeviceExtensionProperties()
	if err != nil {
		return false
	}

	for _, extension := range deviceExtensions {
		if _, hasExtension := extensions[extension]; !hasExtension {
			return false
		}
	}

	return true
}

func (d *Device) findQueueFamilies(device core1_0.PhysicalDevice) (gpu.QueueFamilyIndices, error) {
	indices := gpu.QueueFamilyIndices{}
	queueFamilies := device.QueueFamilyProperties()

	for queueFamilyIdx, queueFamily := range queueFamilies {
		if (queueFamily.QueueFlags & core1_0.QueueGraphics) != 0 {
			indices.GraphicsFamily = new(int)
			*indices.GraphicsFamily = queueFamilyIdx
		}

		supported, _, err := d.surface.PhysicalDeviceSurfaceSupport(device, queueFamilyIdx)
		if err != nil {
			return indices, errors.Wrapf(err, "failed to query present support of queue family %d", queueFamilyIdx)
		}

		if supported {
			indices.PresentFamily = new(int)
			*indices.PresentFamily = queueFamilyIdx
		}

		if indices.IsComplete() {
			break
		}
	}

	return indices, nil
}

func (d *Device) createLogicalDevice() error {
	uniqueQueueFamilies := []int{*d.families.GraphicsFamily}
	if !d.families.Shared() {
		uniqueQueueFamilies = append(uniqueQueueFamilies, *d.families.PresentFamily)
	}

	var queueFamilyOptions []core1_0.DeviceQueueCreateInfo
	queuePriority := float32(1.0)
	for _, queueFamily := range uniqueQueueFamilies {
		queueFamilyOptions = append(queueFamilyOptions, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: queueFamily,
			QueuePriorities:  []float32{queuePriority},
		})
	}

	var extensionNames []string
	extensionNames = append(extensionNames, deviceExtensions...)

	// Portability implementations must enable the subset extension.
	extensions, _, err := d.physicalDevice.EnumerateDeviceExtensionProperties()
	if err != nil {
		return errors.Wrap(err, "failed to enumerate device extensions")
	}

	if _, supported := extensions[khr_portability_subset.ExtensionName]; supported {
		extensionNames = append(extensionNames, khr_portability_subset.ExtensionName)
	}

	d.device, _, err = d.physicalDevice.CreateDevice(nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos:      queueFamilyOptions,
		EnabledFeatures:       &core1_0.PhysicalDeviceFeatures{},
		EnabledExtensionNames: extensionNames,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create logical device")
	}

	d.graphicsQueue = d.device.GetQueue(*d.families.GraphicsFamily, 0)
	d.presentQueue = d.device.GetQueue(*d.families.PresentFamily, 0)
	d.swapchainExtension = khr_swapchain.CreateExtensionFromDevice(d.device)
	return nil
}

func (d *Device) createCommandPool() error {
	pool, _, err := d.device.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		// Frame command buffers are re-recorded every frame.
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: *d.families.GraphicsFamily,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create command pool")
	}

	d.commandPool = pool
	return nil
}

// Destroy releases the device and everything New created. Every object
// created through the device must have been destroyed first.
func (d *Device) Destroy() {
	if d.commandPool != nil {
		d.commandPool.Destroy(nil)
		d.commandPool = nil
	}

	if d.device != nil {
		d.device.Destroy(nil)
		d.device = nil
	}

	if d.debugMessenger != nil {
		d.debugMessenger.Destroy(nil)
		d.debugMessenger = nil
	}

	if d.surface != nil {
		d.surface.Destroy(nil)
		d.surface = nil
	}

	if d.instance != nil {
		d.instance.Destroy(nil)
		d.instance = nil
	}
}

// Handle returns the underlying logical device, for render systems that
// build pipelines and buffers of their own.
func (d *Device) Handle() core1_0.Device { return d.device }

func (d *Device) SurfaceSupport() (gpu.SurfaceSupport, error) {
	return d.surfaceSupport(d.physicalDevice)
}

func (d *Device) surfaceSupport(device core1_0.PhysicalDevice) (gpu.SurfaceSupport, error) {
	var support gpu.SurfaceSupport
	var err error

	support.Capabilities, _, err = d.surface.PhysicalDeviceSurfaceCapabilities(device)
	if err != nil {
		return support, errors.Wrap(err, "failed to query surface capabilities")
	}

	support.Formats, _, err = d.surface.PhysicalDeviceSurfaceFormats(device)
	if err != nil {
		return support, errors.Wrap(err, "failed to query surface formats")
	}

	support.PresentModes, _, err = d.surface.PhysicalDeviceSurfacePresentModes(device)
	if err != nil {
		return support, errors.Wrap(err, "failed to query surface present modes")
	}

	return support, nil
}

func (d *Device) QueueFamilies() gpu.QueueFamilyIndices { return d.families }

func (d *Device) WaitIdle() error {
	_, err := d.device.WaitIdle()
	return errors.Wrap(err, "failed to wait for device idle")
}
